package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nusport",
	Short: "Serial port over BLE UART",
	Long: `Use a Bluetooth Low Energy UART peripheral (Nordic UART Service or HM-10)
as a blocking serial line:

- Scan for advertising peripherals
- Round-trip an echo payload and measure latency
- Send a frame and read the reply
- Bridge the peripheral to a PTY so serial tools can open it

Settings come from --config (YAML) and are overridden by flags.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("nusport {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(echoCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(bridgeCmd)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.Bool("verbose", false, "Enable debug logging")
	pf.String("config", "", "Path to a YAML configuration file")
	pf.String("backend", "", "BLE backend (goble, tinygo)")
	pf.String("profile", "", "UART profile (nus, hm10)")
	pf.Duration("scan-timeout", 0, "How long to look for the device")
	pf.Duration("connect-timeout", 0, "Connection attempt timeout")
	pf.Duration("read-timeout", 0, "Read timeout")
	pf.Duration("write-timeout", 0, "Per-chunk write timeout")
	pf.Duration("chunk-delay", 0, "Minimum delay between chunks (negative disables pacing)")
	pf.Bool("write-with-response", false, "Use acknowledged writes")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
