package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/nusport/pkg/nusport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// echoCmd represents the echo command
var echoCmd = &cobra.Command{
	Use:   "echo [device-name]",
	Short: "Round-trip a payload through a loopback device",
	Long: `Open the device, write the payload, read the same number of bytes back and
compare them. Repeats --count times and reports per-round latency and the
link RSSI. The device firmware must echo RX to TX.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEcho,
}

var (
	echoPayload string
	echoCount   int
	echoFormat  string
)

func init() {
	echoCmd.Flags().StringVarP(&echoPayload, "payload", "p", "nusport echo test", "Payload to send")
	echoCmd.Flags().IntVarP(&echoCount, "count", "c", 1, "Number of round trips")
	echoCmd.Flags().StringVarP(&echoFormat, "format", "f", "text", "Output format (text, json)")
}

type echoRound struct {
	elapsed time.Duration
	err     error
}

func runEcho(cmd *cobra.Command, args []string) error {
	if echoFormat != "text" && echoFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", echoFormat)
	}
	if echoCount < 1 {
		return fmt.Errorf("invalid count %d: must be at least 1", echoCount)
	}
	if echoPayload == "" {
		return fmt.Errorf("payload must not be empty")
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

	payload := []byte(echoPayload)
	rounds := make([]echoRound, 0, echoCount)
	for i := 0; i < echoCount && ctx.Err() == nil; i++ {
		r := echoOnce(port, payload)
		rounds = append(rounds, r)
		if r.err != nil {
			break
		}
	}

	rssi, rssiErr := port.ReadRSSI(ctx)
	if rssiErr != nil {
		e.logger.WithError(rssiErr).Warn("Failed to read RSSI")
	}

	out := cmd.OutOrStdout()
	if echoFormat == "json" {
		err = displayEchoJSON(out, name, payload, rounds, rssi, rssiErr == nil)
	} else {
		displayEchoText(out, name, payload, rounds, rssi, rssiErr == nil)
	}
	if err != nil {
		return err
	}

	for _, r := range rounds {
		if r.err != nil {
			return r.err
		}
	}
	return nil
}

// echoOnce writes payload and waits for the same bytes to come back.
func echoOnce(port *nusport.Port, payload []byte) echoRound {
	port.DiscardInBuffer()

	start := time.Now()
	if err := port.Write(payload, 0, len(payload)); err != nil {
		return echoRound{err: err}
	}

	reply := make([]byte, len(payload))
	if _, err := port.Read(reply, 0, len(reply)); err != nil {
		return echoRound{elapsed: time.Since(start), err: err}
	}
	elapsed := time.Since(start)

	if !bytes.Equal(reply, payload) {
		return echoRound{elapsed: elapsed, err: fmt.Errorf("echo mismatch: sent %q, received %q", payload, reply)}
	}
	return echoRound{elapsed: elapsed}
}

func echoSummary(rounds []echoRound) (okCount int, minD, avgD, maxD time.Duration) {
	var total time.Duration
	for _, r := range rounds {
		if r.err != nil {
			continue
		}
		if okCount == 0 || r.elapsed < minD {
			minD = r.elapsed
		}
		if r.elapsed > maxD {
			maxD = r.elapsed
		}
		total += r.elapsed
		okCount++
	}
	if okCount > 0 {
		avgD = total / time.Duration(okCount)
	}
	return okCount, minD, avgD, maxD
}

func displayEchoText(out io.Writer, name string, payload []byte, rounds []echoRound, rssi int, haveRSSI bool) {
	fmt.Fprintf(out, "Echo %s: %d bytes x %d\n", name, len(payload), len(rounds))
	for i, r := range rounds {
		if r.err != nil {
			fmt.Fprintf(out, "  #%d  FAILED  %v\n", i+1, r.err)
			continue
		}
		fmt.Fprintf(out, "  #%d  ok      %v\n", i+1, r.elapsed.Round(time.Millisecond))
	}

	okCount, minD, avgD, maxD := echoSummary(rounds)
	fmt.Fprintf(out, "%d/%d ok", okCount, len(rounds))
	if okCount > 0 {
		fmt.Fprintf(out, ", min/avg/max %v/%v/%v", minD.Round(time.Millisecond), avgD.Round(time.Millisecond), maxD.Round(time.Millisecond))
	}
	fmt.Fprintln(out)
	if haveRSSI {
		fmt.Fprintf(out, "RSSI: %d dBm\n", rssi)
	}
}

func displayEchoJSON(out io.Writer, name string, payload []byte, rounds []echoRound, rssi int, haveRSSI bool) error {
	doc := orderedmap.New[string, any]()
	doc.Set("device", name)
	doc.Set("payload_bytes", len(payload))

	list := make([]*orderedmap.OrderedMap[string, any], 0, len(rounds))
	for i, r := range rounds {
		m := orderedmap.New[string, any]()
		m.Set("round", i+1)
		m.Set("ok", r.err == nil)
		m.Set("elapsed_ms", r.elapsed.Milliseconds())
		if r.err != nil {
			m.Set("error", r.err.Error())
		}
		list = append(list, m)
	}
	doc.Set("rounds", list)

	okCount, minD, avgD, maxD := echoSummary(rounds)
	doc.Set("ok", okCount)
	doc.Set("min_ms", minD.Milliseconds())
	doc.Set("avg_ms", avgD.Milliseconds())
	doc.Set("max_ms", maxD.Milliseconds())
	if haveRSSI {
		doc.Set("rssi", rssi)
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}
