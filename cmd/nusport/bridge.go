package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/srg/nusport/internal/groutine"
	"github.com/srg/nusport/internal/ptyio"
	"github.com/srg/nusport/pkg/nusport"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge [device-name]",
	Short: "Expose the device as a PTY serial port",
	Long: `Open the device and create a pseudo-terminal. Bytes written to the PTY are
sent to the device in MTU-sized chunks; bytes the device notifies are
written back to the PTY. Point any serial tool (minicom, screen, pyserial,
a Modbus master) at the printed path. Runs until Ctrl+C or link loss.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBridge,
}

var (
	bridgeLink   string
	bridgeBuffer int
)

// bridgePollTimeout bounds how long the receive pump waits before checking
// for shutdown.
const bridgePollTimeout = 200 // ms

func init() {
	bridgeCmd.Flags().StringVarP(&bridgeLink, "link", "l", "", "Also create a symlink to the PTY at this path")
	bridgeCmd.Flags().IntVar(&bridgeBuffer, "buffer", 4096, "PTY buffer size in bytes (each direction)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	if bridgeBuffer <= 0 {
		return fmt.Errorf("invalid --buffer %d: must be positive", bridgeBuffer)
	}

	e, err := setupEnv(cmd)
	if err != nil {
		return err
	}
	name, err := e.deviceName(args)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := withInterrupt(cmd.Context(), cmd)
	defer cancel()

	port, err := e.openPort(ctx, cmd, name)
	if err != nil {
		return err
	}
	defer port.Dispose()
	port.SetReadTimeout(bridgePollTimeout)

	errCh := make(chan error, 1)
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	term, err := ptyio.Open(&ptyio.Options{
		InboundCap:  bridgeBuffer,
		OutboundCap: bridgeBuffer,
		Logger:      e.logger,
		OnError:     fail,
	})
	if err != nil {
		return err
	}
	defer term.Close()

	if bridgeLink != "" {
		if err := os.Symlink(term.Path(), bridgeLink); err != nil {
			return fmt.Errorf("create link %s: %w", bridgeLink, err)
		}
		defer os.Remove(bridgeLink)
	}

	log := e.logger.WithField("tty", term.Path()).WithField("device_name", name)

	// PTY -> device. OnData runs on one goroutine, which keeps writes serialized.
	term.OnData(func(data []byte) {
		if err := port.Write(data, 0, len(data)); err != nil {
			fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}
	})

	// device -> PTY
	groutine.Go(ctx, "bridge-rx-pump", func(ctx context.Context) {
		buf := make([]byte, 1024)
		for ctx.Err() == nil {
			n, err := port.ReadAvailable(buf)
			if err != nil {
				if nusport.KindOf(err) == nusport.ReadTimeout {
					continue
				}
				if ctx.Err() == nil {
					fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
				}
				return
			}
			if _, err := term.Write(buf[:n]); err != nil {
				log.WithError(err).Warn("Failed to forward device data to PTY")
			}
		}
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Bridge ready: %s <-> %s\n", term.Path(), name)
	if bridgeLink != "" {
		fmt.Fprintf(out, "Linked: %s\n", bridgeLink)
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop.")
	log.Info("Bridge running")

	<-ctx.Done()
	term.OnData(nil)

	ps, ts := port.Stats(), term.Stats()
	fmt.Fprintf(out, "Bridge stopped: %d bytes to device, %d bytes from device", ps.BytesWritten, ps.BytesReceived)
	if dropped := ps.BytesDropped + ts.OutboundDropped + ts.InboundDropped; dropped > 0 {
		fmt.Fprintf(out, ", %d bytes dropped", dropped)
	}
	fmt.Fprintln(out)

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
