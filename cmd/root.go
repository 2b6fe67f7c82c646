// Package cmd implements the command line interface of the tracer.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"floppytracer/config"
	"floppytracer/flux"
	"floppytracer/img"
	"floppytracer/precomp"
	"floppytracer/track"
	"floppytracer/trackparser"
	"floppytracer/usb"
)

var (
	flagRead          bool
	flagDebugFile     string
	flagTrackFilter   string
	flagADrive        bool
	flagBDrive        bool
	flagWPrecompCalib bool
	flagFlippyOffset  int
)

var rootCmd = &cobra.Command{
	Use:   "floppytracer [flags] IMAGE",
	Short: "Write and verify floppy disk images through the USB floppy tracer",
	Long: `Writes disk images track by track to a floppy disk and verifies every
track by reading it back, or reads disks into sector images.

Supported image formats:
  *.adf          - Amiga Disk File
  *.d64          - C64 1541 sector image
  *.g64          - C64 1541 GCR bitstream
  *.ipf          - SPS preservation image (write only, needs the CAPS library)
  *.st or *.img  - raw sector image (Atari ST, MS-DOS)
  *.stx          - Atari ST Pasti image
  *.dsk          - Amstrad CPC disk image

The literal image name "discover" together with -r probes the disk in
the drive and reports its format.`,
	Args: cobra.ExactArgs(1),
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&flagRead, "read", "r", false, "read the disk instead of writing")
	rootCmd.Flags().StringVarP(&flagDebugFile, "debug-file", "d", "", "dump raw track data to a text file, no USB communication")
	rootCmd.Flags().StringVarP(&flagTrackFilter, "tracks", "t", "", "only process some tracks: a range 2-4 or a single track 8")
	rootCmd.Flags().BoolVarP(&flagADrive, "drive-a", "a", false, "use drive A")
	rootCmd.Flags().BoolVarP(&flagBDrive, "drive-b", "b", false, "use drive B")
	rootCmd.Flags().BoolVarP(&flagWPrecompCalib, "wprecomp-calib", "w", false, "use the provided image to calibrate write precompensation")
	rootCmd.Flags().IntVarP(&flagFlippyOffset, "flippy", "f", -1, "simulate the index signal for flipped 5.25\" disks, with the given timing offset in microseconds")
}

// selectedDrive checks that exactly one drive was requested.
func selectedDrive() (flux.DriveSelect, error) {
	switch {
	case flagADrive && flagBDrive:
		return flux.DriveNone, fmt.Errorf("specify either drive A or B, not both")
	case flagADrive:
		return flux.DriveA, nil
	case flagBDrive:
		return flux.DriveB, nil
	}
	return flux.DriveNone, fmt.Errorf("no drive selected, use -a or -b")
}

func run(imagePath string) error {
	var image *track.RawImage
	var filter *track.Filter

	if flagTrackFilter != "" {
		parsed, err := track.NewFilter(flagTrackFilter)
		if err != nil {
			return err
		}
		filter = &parsed
	}

	if !flagRead {
		// Parse and check the image before touching the USB device;
		// an unwritable image must fail before the drive moves.
		wprecompDB, err := precomp.Load()
		if err != nil {
			return err
		}

		image, err = img.Parse(imagePath)
		if err != nil {
			return err
		}

		rpm := flux.Drive35RPM
		if image.DiskType == flux.Inch525 {
			rpm = flux.Drive525RPM
		}

		if filter != nil {
			image.FilterTracks(*filter)
		}

		if flagDebugFile != "" {
			return writeDebugTextFile(flagDebugFile, image)
		}

		for i := range image.Tracks {
			t := &image.Tracks[i]
			if err := t.FitsIntoRotation(rpm); err != nil {
				return err
			}
			if err := t.CheckWritability(); err != nil {
				return err
			}
			if _, err := t.SignificanceOffset(); err != nil {
				return err
			}
		}

		warnedAboutPrecomp := false
		for i := range image.Tracks {
			t := &image.Tracks[i]

			// Leave the precompensation at zero while calibrating.
			if flagWPrecompCalib {
				continue
			}
			value, ok := wprecompDB.Calculate(int(t.DensityMap[0].CellSize), t.Cylinder)
			if !ok {
				if wprecompDB != nil && !warnedAboutPrecomp {
					warnedAboutPrecomp = true
					fmt.Printf("Unable to calculate write precompensation for cylinder %d and density %d\n",
						t.Cylinder, t.DensityMap[0].CellSize)
				}
				continue
			}
			t.WritePrecompensation = value
		}
	}

	drive, err := selectedDrive()
	if err != nil {
		return err
	}

	conn, err := usb.Open()
	if err != nil {
		fmt.Println("Unable to initialize the USB device!")
		os.Exit(1)
	}
	defer conn.Close()

	// An aborted run can leave data in the endpoint; it must be
	// removed before proceeding.
	conn.ClearBuffers()

	if err := config.Initialize(); err != nil {
		return err
	}

	indexSimFrequency := uint32(0)
	if flagFlippyOffset >= 0 {
		indexSimFrequency = uint32(14*1000-flagFlippyOffset) * 1000
	}

	switch {
	case flagRead && imagePath == "discover":
		fmt.Println("Let me see...")
		_, err = trackparser.DiscoverFormat(conn, drive)
		return err

	case flagRead:
		return trackparser.ReadTracksToImage(conn, filter, imagePath, drive)

	default:
		if err := conn.Configure(drive, image.Density, indexSimFrequency); err != nil {
			return err
		}

		if flagWPrecompCalib {
			return precomp.Calibrate(conn, image)
		}
		return writeAndVerifyImage(conn, image)
	}
}

// Execute runs the command line interface.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
