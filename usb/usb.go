// Package usb talks to the tracer firmware over its vendor class USB
// interface: one bulk IN and one bulk OUT endpoint with 64 byte
// packets. Commands are little endian 32-bit words starting with a
// 0x1234_00xx magic; responses are short ASCII records.
package usb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	VendorID  = 0x16c0
	ProductID = 0x27dd
)

// Command magic words.
const (
	cmdWriteVerifyRawTrack = 0x12340001
	cmdConfigure           = 0x12340002
	cmdStep                = 0x12340003
	cmdReadTrack           = 0x12340004
)

// Bulk transfers time out after this long; a write plus five retries
// stays well below it.
const transferTimeout = 10 * time.Second

// Connection is an open vendor class connection to the tracer.
type Connection struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// Open finds the tracer on the bus and claims its bulk endpoint pair.
func Open() (*Connection, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to open USB device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("unable to find USB floppy tracer (VID=0x%04X PID=0x%04X)", VendorID, ProductID)
	}

	// Optional on Linux but required on Windows.
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to set auto detach: %w", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to claim interface: %w", err)
	}

	// Walk the endpoint descriptors for the bulk IN/OUT pair.
	var in *gousb.InEndpoint
	var out *gousb.OutEndpoint

	for _, desc := range intf.Setting.Endpoints {
		if desc.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if desc.Direction == gousb.EndpointDirectionIn && in == nil {
			in, err = intf.InEndpoint(desc.Number)
			if err != nil {
				break
			}
		}
		if desc.Direction == gousb.EndpointDirectionOut && out == nil {
			out, err = intf.OutEndpoint(desc.Number)
			if err != nil {
				break
			}
		}
	}

	if err != nil || in == nil || out == nil {
		done()
		dev.Close()
		ctx.Close()
		if err == nil {
			err = fmt.Errorf("bulk endpoint pair missing")
		}
		return nil, fmt.Errorf("failed to find endpoints: %w", err)
	}

	return &Connection{
		ctx:  ctx,
		dev:  dev,
		intf: intf,
		done: done,
		in:   in,
		out:  out,
	}, nil
}

// Close releases the interface and the device.
func (c *Connection) Close() {
	c.done()
	c.dev.Close()
	c.ctx.Close()
}

// writeBulk sends one buffer with the transfer timeout.
func (c *Connection) writeBulk(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	n, err := c.out.WriteContext(ctx, data)
	if err != nil {
		return fmt.Errorf("bulk write failed: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("bulk write sent %d of %d bytes", n, len(data))
	}
	return nil
}

// readBulk reads one packet with the transfer timeout.
func (c *Connection) readBulk(buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	n, err := c.in.ReadContext(ctx, buf)
	if err != nil {
		return 0, fmt.Errorf("bulk read failed: %w", err)
	}
	return n, nil
}

// ClearBuffers drains stale responses left over from an aborted run.
func (c *Connection) ClearBuffers() {
	buf := make([]byte, 64)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		n, err := c.in.ReadContext(ctx, buf)
		cancel()
		if err != nil {
			return
		}
		fmt.Printf("Cleared residual USB buffer of size %d\n", n)
	}
}
