package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [device-name] <payload>",
	Short: "Write one frame and optionally read the reply",
	Long: `Write a payload to the device and, with --expect N, wait for exactly N
reply bytes (bounded by --read-timeout). The payload is text unless --hex is
given, in which case it is hex with optional spaces or a 0x prefix.`,
	Example: `  nusport send DEV1 --hex "01 03 00 00 00 02 C4 0B" --expect 9
  nusport send "AT+VERSION?" --expect 12   # device name from --config`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

var (
	sendHex    bool
	sendExpect int
)

func init() {
	sendCmd.Flags().BoolVar(&sendHex, "hex", false, "Payload is hex encoded")
	sendCmd.Flags().IntVarP(&sendExpect, "expect", "e", 0, "Number of reply bytes to read")
}

// parsePayload decodes the payload argument.
func parsePayload(arg string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(arg), nil
	}
	clean := strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(arg)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", arg, err)
	}
	return data, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	if sendExpect < 0 {
		return fmt.Errorf("invalid --expect %d: must not be negative", sendExpect)
	}

	payload, err := parsePayload(args[len(args)-1], sendHex)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload must not be empty")
	}

	e, err := setupEnv(cmd)
	if err != nil {
		return err
	}
	name, err := e.deviceName(args[:len(args)-1])
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

	out := cmd.OutOrStdout()
	if err := port.Write(payload, 0, len(payload)); err != nil {
		return err
	}
	fmt.Fprintf(out, "Sent %d bytes to %s\n", len(payload), name)

	if sendExpect == 0 {
		return nil
	}

	reply := make([]byte, sendExpect)
	if _, err := port.Read(reply, 0, sendExpect); err != nil {
		if n := port.BytesToRead(); n > 0 {
			partial := make([]byte, n)
			if m, rerr := port.ReadAvailable(partial); rerr == nil {
				fmt.Fprintf(out, "Partial reply (%d of %d bytes):\n%s", m, sendExpect, hex.Dump(partial[:m]))
			}
		}
		return err
	}
	fmt.Fprintf(out, "Received %d bytes:\n%s", len(reply), hex.Dump(reply))
	return nil
}
