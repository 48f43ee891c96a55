package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/nusport/pkg/config"
	"github.com/srg/nusport/pkg/nusport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parsedCmd returns a command carrying the global flags parsed from args.
func parsedCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	// GOAL: Verify flags win over the config file and unset flags keep file values
	//
	// TEST SCENARIO: file sets backend/profile/timeouts → flags override two → merged result

	path := filepath.Join(t.TempDir(), "nusport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: tinygo
profile: hm10
read_timeout: 3s
write_timeout: 4s
`), 0o600))

	cmd := parsedCmd(t, "--config", path, "--profile", "nus", "--read-timeout", "250ms", "--chunk-delay", "-1ms")
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, config.BackendTinyGo, cfg.Backend)
	assert.Equal(t, "nus", cfg.Profile)
	assert.Equal(t, 250*time.Millisecond, cfg.ReadTimeout)
	assert.Equal(t, 4*time.Second, cfg.WriteTimeout, "file value MUST survive when the flag is unset")
	assert.Equal(t, -time.Millisecond, cfg.ChunkDelay)

	opts, err := cfg.PortOptions()
	require.NoError(t, err)
	assert.Equal(t, nusport.NordicUART, opts.Profile)
}

func TestLoadConfig_InvalidFlag(t *testing.T) {
	_, err := loadConfig(parsedCmd(t, "--profile", "spp"))
	assert.ErrorIs(t, err, nusport.ErrInvalidArgument)
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		fileLvl  string
		expected logrus.Level
		wantErr  bool
	}{
		{"silent by default", nil, "panic", logrus.PanicLevel, false},
		{"verbose", []string{"--verbose"}, "panic", logrus.DebugLevel, false},
		{"log-level wins over verbose", []string{"--verbose", "--log-level", "warn"}, "panic", logrus.WarnLevel, false},
		{"config file level", nil, "info", logrus.InfoLevel, false},
		{"invalid", []string{"--log-level", "chatty"}, "panic", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.LogLevel = tt.fileLvl

			logger, err := configureLogger(parsedCmd(t, tt.args...), "verbose", cfg)
			if tt.wantErr {
				assert.ErrorContains(t, err, "invalid log level")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestCentralFactory(t *testing.T) {
	_, err := CentralFactory("bluez", logrus.New())
	assert.ErrorContains(t, err, "unknown backend")
}
