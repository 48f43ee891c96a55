package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/nusport/pkg/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List advertising BLE peripherals",
	Long: `Scan for Bluetooth Low Energy peripherals and list each one once, in the
order it was first seen. --name keeps only peripherals whose advertised name
contains the given text, the same rule the other commands use to pick a device.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanName     string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Only show names containing this text")
}

// scanEntry is one peripheral as last seen. seq orders entries by first sighting.
type scanEntry struct {
	seq         uint64
	name        string
	address     string
	rssi        int
	connectable bool
	seen        int
	lastSeen    time.Time
}

// scanResults de-duplicates advertisements by address. The handler may be
// called from backend goroutines, so the map is lock-free.
type scanResults struct {
	entries *hashmap.Map[string, *scanEntry]
	next    atomic.Uint64
	filter  string
}

func newScanResults(filter string) *scanResults {
	return &scanResults{
		entries: hashmap.New[string, *scanEntry](),
		filter:  filter,
	}
}

func (r *scanResults) observe(res device.ScanResult) {
	p := res.Peripheral
	name := p.Name()

	prev, known := r.entries.Get(p.Address())
	if !known && r.filter != "" && !strings.Contains(name, r.filter) {
		return
	}

	e := &scanEntry{
		name:        name,
		address:     p.Address(),
		rssi:        res.RSSI,
		connectable: res.Connectable,
		seen:        1,
		lastSeen:    time.Now(),
	}
	if known {
		e.seq = prev.seq
		e.seen = prev.seen + 1
		if e.name == "" {
			e.name = prev.name
		}
	} else {
		e.seq = r.next.Add(1)
	}
	r.entries.Set(e.address, e)
}

// sorted returns the entries in first-seen order.
func (r *scanResults) sorted() []*scanEntry {
	list := make([]*scanEntry, 0, r.entries.Len())
	r.entries.Range(func(_ string, e *scanEntry) bool {
		list = append(list, e)
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %v: must be positive", scanDuration)
	}

	e, err := setupEnv(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := withInterrupt(cmd.Context(), cmd)
	defer cancel()

	state, err := e.central.RequestAccess(ctx)
	if err != nil {
		return fmt.Errorf("bluetooth access: %w", err)
	}
	if state != device.AccessAvailable {
		return fmt.Errorf("bluetooth access is %s", state)
	}

	scanCtx, stopScan := context.WithTimeout(ctx, scanDuration)
	defer stopScan()

	results := newScanResults(scanName)

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", func() string {
		return fmt.Sprintf("%d found,", results.entries.Len())
	}, scanDuration)
	progress.Start()
	err = e.central.Scan(scanCtx, results.observe)
	progress.Stop()

	if err != nil {
		e.logger.WithError(err).Error("Scan failed")
		return err
	}
	if ctx.Err() != nil {
		// Interrupted: still show what was found.
		e.logger.Debug("Scan interrupted")
	}

	out := cmd.OutOrStdout()
	if scanFormat == "json" {
		return displayScanJSON(out, results.sorted())
	}
	return displayScanTable(out, results.sorted())
}

func displayScanTable(out io.Writer, entries []*scanEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tSEEN\tRSSI")
	fmt.Fprintln(w, strings.Repeat("-", 60))

	for _, e := range entries {
		name := e.name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		// RSSI stays in the last column: color codes would break tab alignment.
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, e.address, e.seen, rssiColor(e.rssi).Sprintf("%d dBm", e.rssi))
	}
	return w.Flush()
}

func rssiColor(rssi int) *color.Color {
	switch {
	case rssi >= -60:
		return color.New(color.FgGreen)
	case rssi >= -80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func displayScanJSON(out io.Writer, entries []*scanEntry) error {
	list := make([]*orderedmap.OrderedMap[string, any], 0, len(entries))
	for _, e := range entries {
		m := orderedmap.New[string, any]()
		m.Set("name", e.name)
		m.Set("address", e.address)
		m.Set("rssi", e.rssi)
		m.Set("connectable", e.connectable)
		m.Set("seen", e.seen)
		list = append(list, m)
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
