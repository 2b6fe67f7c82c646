// Package config loads the tracer configuration from the
// .usbfloppytracer directory in the user's home. A TOML file describes
// the connected drives; plain text files carry the measured drive
// speeds and the write precompensation samples.
package config

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"floppytracer/flux"
)

//go:embed tracer.toml
var defaultConfigData []byte

// ConfigDirName is the dot directory in the home directory holding all
// tracer configuration.
const ConfigDirName = ".usbfloppytracer"

// Default ticks per rotation when no measured speed is stored:
// 361 RPM on the 84 MHz timer.
const Drive525TicksPerRotation = 13961218

// Global state for the selected drive configuration.
var (
	DriveAName string
	DriveBName string
	RPMA       float64
	RPMB       float64
)

// Config is the TOML configuration structure.
type Config struct {
	Drive []Drive `toml:"drive"`
}

// Drive describes one drive on the Shugart bus.
type Drive struct {
	Select string  `toml:"select"` // "a" or "b"
	Name   string  `toml:"name"`
	RPM    float64 `toml:"rpm"`
}

// Dir returns the configuration directory, creating it when missing.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user home directory: %w", err)
	}

	dir := filepath.Join(home, ConfigDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// Initialize loads and validates the TOML configuration, creating it
// from the embedded default on first run.
func Initialize() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	configPath := filepath.Join(dir, "tracer.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, defaultConfigData, 0644); err != nil {
			return fmt.Errorf("failed to create default config file at %s: %w", configPath, err)
		}
	}

	var conf Config
	if _, err := toml.DecodeFile(configPath, &conf); err != nil {
		return fmt.Errorf("failed to parse TOML config at %s: %w", configPath, err)
	}

	if len(conf.Drive) == 0 {
		return errors.New("no drives configured")
	}

	for i := range conf.Drive {
		drive := &conf.Drive[i]
		if drive.RPM <= 0 {
			return fmt.Errorf("drive %q has invalid rpm: %f (must be positive)", drive.Name, drive.RPM)
		}

		switch drive.Select {
		case "a":
			DriveAName = drive.Name
			RPMA = drive.RPM
		case "b":
			DriveBName = drive.Name
			RPMB = drive.RPM
		default:
			return fmt.Errorf("drive %q has invalid select %q (must be \"a\" or \"b\")", drive.Name, drive.Select)
		}
	}

	return nil
}

func speedFileName(drive flux.DriveSelect) (string, error) {
	switch drive {
	case flux.DriveA:
		return "speed_a.cfg", nil
	case flux.DriveB:
		return "speed_b.cfg", nil
	}
	return "", errors.New("no drive selected")
}

// ReadStoredTicksPerRotation reads the measured drive speed override
// for a drive, a single integer of timer ticks per rotation.
func ReadStoredTicksPerRotation(drive flux.DriveSelect) (int, error) {
	name, err := speedFileName(drive)
	if err != nil {
		return 0, err
	}

	dir, err := Dir()
	if err != nil {
		return 0, err
	}
	path := filepath.Join(dir, name)

	fmt.Printf("Reading drive speed from %s\n", path)
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return 0, fmt.Errorf("speed file %s is empty", path)
	}

	ticks, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return 0, fmt.Errorf("invalid tick count in %s: %w", path, err)
	}

	fmt.Printf("Using custom ticks per rotation: %d\n", ticks)
	return ticks, nil
}

// TicksPerRotation returns the stored drive speed, falling back to the
// 5.25" default when no measurement exists.
func TicksPerRotation(drive flux.DriveSelect) int {
	ticks, err := ReadStoredTicksPerRotation(drive)
	if err != nil {
		fmt.Println("Custom drive speed not found. Use default...")
		return Drive525TicksPerRotation
	}
	return ticks
}

// StoreTicksPerRotation writes a measured drive speed.
func StoreTicksPerRotation(drive flux.DriveSelect, ticks int) error {
	name, err := speedFileName(drive)
	if err != nil {
		return err
	}

	dir, err := Dir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", ticks)), 0644); err != nil {
		return fmt.Errorf("failed to store drive speed: %w", err)
	}

	fmt.Printf("Drive speed is stored in %s\n", path)
	return nil
}
