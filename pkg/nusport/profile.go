package nusport

import (
	"fmt"
	"sort"
	"strings"

	"github.com/srg/nusport/pkg/device"
)

// Profile names the GATT endpoint triad used as a serial line.
type Profile struct {
	Name    string `yaml:"name"`
	Service string `yaml:"service"`
	RX      string `yaml:"rx"` // host -> device, written by Write
	TX      string `yaml:"tx"` // device -> host, subscribed by the receive bridge
}

// NordicUART is the Nordic UART Service.
var NordicUART = Profile{
	Name:    "nus",
	Service: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
	RX:      "6E400002-B5A3-F393-E0A9-E50E24DCCA9E",
	TX:      "6E400003-B5A3-F393-E0A9-E50E24DCCA9E",
}

// HM10 is the single-characteristic transparent UART of HM-10/CC254x modules.
var HM10 = Profile{
	Name:    "hm10",
	Service: "0000FFE0-0000-1000-8000-00805F9B34FB",
	RX:      "0000FFE1-0000-1000-8000-00805F9B34FB",
	TX:      "0000FFE1-0000-1000-8000-00805F9B34FB",
}

var knownProfiles = map[string]Profile{
	NordicUART.Name: NordicUART,
	HM10.Name:       HM10,
}

// ProfileByName looks up a built-in profile, case-insensitively.
func ProfileByName(name string) (Profile, error) {
	p, ok := knownProfiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown profile %q (known: %s)", ErrInvalidArgument, name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames lists the built-in profiles in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(knownProfiles))
	for n := range knownProfiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that all three UUIDs are present and well-formed.
func (p Profile) Validate() error {
	if _, err := device.ValidateUUID(p.Service, p.RX, p.TX); err != nil {
		return fmt.Errorf("%w: profile %q: %v", ErrInvalidArgument, p.Name, err)
	}
	return nil
}

// SharedEndpoint reports whether RX and TX are the same characteristic.
func (p Profile) SharedEndpoint() bool {
	return device.EqualUUID(p.RX, p.TX)
}
