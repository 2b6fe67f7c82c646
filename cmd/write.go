package cmd

import (
	"fmt"

	"floppytracer/track"
	"floppytracer/usb"
)

// writeAndVerifyImage streams all tracks to the device, keeping the
// write pipeline full while consuming verification results. The device
// answers one GotCmd per accepted command and one WrittenAndVerified
// or Fail per finished track, in issue order.
func writeAndVerifyImage(conn *usb.Connection, image *track.RawImage) error {
	writeIndex := 0
	verifyIndex := 0
	allWrittenReported := false

	for {
		if writeIndex < len(image.Tracks) {
			if err := conn.WriteRawTrack(&image.Tracks[writeIndex]); err != nil {
				return err
			}
			writeIndex++
		} else if !allWrittenReported {
			allWrittenReported = true
			fmt.Println("All tracks written. Wait for remaining verifications!")
		}

	answerLoop:
		for {
			answer, err := conn.ReadAnswer()
			if err != nil {
				return err
			}

			switch answer.Kind {
			case usb.AnswerWrittenAndVerified:
				fmt.Printf("Verified write of cylinder %d head %d - writes:%d, reads:%d, max_err:%d write_precomp:%d\n",
					answer.Cylinder, answer.Head, answer.Writes, answer.Reads,
					answer.MaxErr, answer.WritePrecomp)

				if verifyIndex >= len(image.Tracks) {
					return fmt.Errorf("unexpected verification of cylinder %d head %d", answer.Cylinder, answer.Head)
				}
				expected := &image.Tracks[verifyIndex]
				if expected.Cylinder != answer.Cylinder || expected.Head != answer.Head {
					return fmt.Errorf("verification out of order: got cylinder %d head %d, expected %d %d",
						answer.Cylinder, answer.Head, expected.Cylinder, expected.Head)
				}

				verifyIndex++
				if verifyIndex == len(image.Tracks) {
					fmt.Println("--- Disk image written and verified! ---")
					return nil
				}

			case usb.AnswerGotCmd:
				// Device accepted the command; push the next track.
				break answerLoop

			case usb.AnswerFail:
				return fmt.Errorf("failed writing track %d head %d - writes:%d, reads:%d error:%s",
					answer.Cylinder, answer.Head, answer.Writes, answer.Reads, answer.Error)

			case usb.AnswerWriteProtected:
				return fmt.Errorf("disk is write protected")
			}
		}
	}
}
