package main

import (
	"bytes"
	"context"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/nusport/internal/testutils"
	"github.com/srg/nusport/pkg/device"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent simulated device identification
const (
	TestDeviceAddress1 = "AA:00:00:00:00:01"
	TestDeviceAddress2 = "AA:00:00:00:00:02"
	TestDeviceAddress3 = "AA:00:00:00:00:03"
)

// syncBuffer lets a test read command output while the command still runs.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a simulated central.
// All cmd/nusport test suites embed it.
type CommandTestSuite struct {
	suite.Suite
	Helper  *testutils.TestHelper
	Central *testutils.SimCentral

	originalFactory func(string, *logrus.Logger) (device.Central, error)
	originalNoColor bool
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Central = testutils.NewSimCentral()

	s.originalFactory = CentralFactory
	CentralFactory = func(string, *logrus.Logger) (device.Central, error) {
		return s.Central, nil
	}
	s.originalNoColor = color.NoColor
	color.NoColor = true

	resetFlags(rootCmd)
}

// SetupSubTest keeps flag values from leaking between s.Run cases.
func (s *CommandTestSuite) SetupSubTest() {
	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	CentralFactory = s.originalFactory
	color.NoColor = s.originalNoColor
}

// AddNUSDevice registers an echoing Nordic UART peripheral.
func (s *CommandTestSuite) AddNUSDevice(name, address string) *testutils.SimPeripheral {
	p, _, _ := testutils.NewNUSPeripheral(name, address)
	s.Central.AddPeripheral(p)
	return p
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), &syncBuffer{}, args...)
}

// ExecuteCommandContext runs the root command writing into out.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, out *syncBuffer, args ...string) (string, error) {
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteContextC(ctx)
	return out.String(), err
}

// resetFlags restores every flag of cmd and its children to its default so
// values do not leak between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
