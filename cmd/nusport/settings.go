package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/nusport/internal/groutine"
	"github.com/srg/nusport/pkg/config"
	"github.com/srg/nusport/pkg/device"
	"github.com/srg/nusport/pkg/device/goble"
	"github.com/srg/nusport/pkg/device/tinygo"
	"github.com/srg/nusport/pkg/nusport"
)

// CentralFactory builds the device.Central for a backend name.
// Tests replace it with a simulated central.
var CentralFactory = func(backend string, logger *logrus.Logger) (device.Central, error) {
	switch strings.ToLower(backend) {
	case config.BackendGoBLE:
		return goble.NewCentral(logger), nil
	case config.BackendTinyGo:
		return tinygo.NewCentral(logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (must be %s or %s)", backend, config.BackendGoBLE, config.BackendTinyGo)
	}
}

// loadConfig reads --config and applies every global flag the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("backend") {
		cfg.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("profile") {
		cfg.Profile, _ = flags.GetString("profile")
		cfg.CustomProfile = nil
	}
	for name, dst := range map[string]*time.Duration{
		"scan-timeout":    &cfg.ScanTimeout,
		"connect-timeout": &cfg.ConnectTimeout,
		"read-timeout":    &cfg.ReadTimeout,
		"write-timeout":   &cfg.WriteTimeout,
		"chunk-delay":     &cfg.ChunkDelay,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}
	if flags.Changed("write-with-response") {
		cfg.WriteWithResponse, _ = flags.GetBool("write-with-response")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env is what every command needs: the merged config, a logger and a central.
type env struct {
	cfg     *config.Config
	logger  *logrus.Logger
	central device.Central
}

func setupEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return nil, err
	}
	central, err := CentralFactory(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, central: central}, nil
}

// deviceName picks the positional device argument or falls back to the config.
func (e *env) deviceName(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if e.cfg.Device != "" {
		return e.cfg.Device, nil
	}
	return "", fmt.Errorf("%w: no device name given (argument or 'device' in config)", nusport.ErrInvalidArgument)
}

// openPort opens a Port to deviceName with a progress line on interactive
// terminals.
func (e *env) openPort(ctx context.Context, cmd *cobra.Command, deviceName string) (*nusport.Port, error) {
	opts, err := e.cfg.PortOptions()
	if err != nil {
		return nil, err
	}
	port := nusport.NewPort(e.central, opts, e.logger)

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Opening %s", deviceName), func() string {
		return port.State().String()
	})
	progress.Start()
	err = port.Open(ctx, deviceName)
	progress.Stop()

	if err != nil {
		port.Dispose()
		return nil, err
	}
	return port, nil
}

// withInterrupt returns a context cancelled on Ctrl+C or SIGTERM.
func withInterrupt(parent context.Context, cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	groutine.Go(ctx, "signal-watch", func(ctx context.Context) {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nInterrupted, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, cancel
}
