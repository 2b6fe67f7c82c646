package main

import "floppytracer/cmd"

func main() {
	cmd.Execute()
}
