package main

import (
	"testing"

	"github.com/srg/nusport/internal/testutils"
	"github.com/srg/nusport/pkg/device"
	"github.com/srg/nusport/pkg/nusport"
	"github.com/stretchr/testify/suite"
)

type EchoTestSuite struct {
	CommandTestSuite
}

func (s *EchoTestSuite) TestRoundTrips() {
	// GOAL: Verify echo opens the port, round-trips the payload and reports RSSI
	//
	// TEST SCENARIO: echoing NUS device, --count 3 → 3 ok rounds → RSSI line → port disposed

	p := s.AddNUSDevice("DEV1-loopback", TestDeviceAddress1)

	out, err := s.ExecuteCommand("echo", "DEV1", "--count", "3", "--payload", "0123456789ABCDEFGHIJKLMN")
	s.Require().NoError(err)

	s.Assert().Contains(out, "Echo DEV1: 24 bytes x 3")
	s.Assert().Contains(out, "3/3 ok, min/avg/max")
	s.Assert().Contains(out, "RSSI: -50 dBm")
	s.Assert().NotContains(out, "FAILED")
	s.Assert().False(p.IsConnected(), "the port MUST be disposed when the command ends")
}

func (s *EchoTestSuite) TestJSONOutput() {
	s.AddNUSDevice("DEV1-loopback", TestDeviceAddress1)

	out, err := s.ExecuteCommand("echo", "DEV1", "--count", "2", "--payload", "ping", "--format", "json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"device": "DEV1",
		"payload_bytes": 4,
		"rounds": [
			{"round": 1, "ok": true, "elapsed_ms": "<<PRESENCE>>"},
			{"round": 2, "ok": true, "elapsed_ms": "<<PRESENCE>>"}
		],
		"ok": 2,
		"rssi": -50
	}`)
}

func (s *EchoTestSuite) TestSilentDeviceTimesOut() {
	// GOAL: Verify a device that never answers fails the round with ReadTimeout
	//
	// TEST SCENARIO: NUS service without echo, --read-timeout 50ms → FAILED round → read_timeout error

	rx := testutils.NewSimCharacteristic(testutils.NUSRX, device.PropWrite|device.PropWriteWithoutResponse)
	tx := testutils.NewSimCharacteristic(testutils.NUSTX, device.PropNotify)
	s.Central.AddPeripheral(testutils.NewSimPeripheral("DEV1-mute", TestDeviceAddress1).
		AddService(testutils.NewSimService(testutils.NUSService, rx, tx)))

	out, err := s.ExecuteCommand("echo", "DEV1", "--count", "3", "--read-timeout", "50ms")

	s.Assert().ErrorIs(err, nusport.ErrReadTimeout)
	s.Assert().Contains(out, "#1  FAILED")
	s.Assert().Contains(out, "0/1 ok", "rounds after a failure MUST NOT run")
	s.Assert().Len(rx.Writes(), 1)
}

func (s *EchoTestSuite) TestOpenFailures() {
	s.Run("device not found", func() {
		_, err := s.ExecuteCommand("echo", "DEV9", "--scan-timeout", "50ms")
		s.Assert().ErrorIs(err, nusport.ErrDeviceNotFound)
	})

	s.Run("wrong profile", func() {
		s.AddNUSDevice("DEV1-loopback", TestDeviceAddress1)
		_, err := s.ExecuteCommand("echo", "DEV1", "--profile", "hm10")
		s.Assert().ErrorIs(err, nusport.ErrServiceNotFound)
	})

	s.Run("no device name", func() {
		_, err := s.ExecuteCommand("echo")
		s.Assert().ErrorIs(err, nusport.ErrInvalidArgument)
	})
}

func TestEchoTestSuite(t *testing.T) {
	suite.Run(t, new(EchoTestSuite))
}
