package nusport

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// InfiniteTimeout is the millisecond sentinel meaning "wait without a
// deadline". Negative millisecond values are treated the same way.
const InfiniteTimeout = 1000000

// ----------------------------
// Defaults
// ----------------------------

const (
	// DefaultMTU is the payload size used until the peripheral reports one.
	DefaultMTU = 20

	// DefaultChunkDelay is the minimum spacing between two chunk writes.
	DefaultChunkDelay = 2 * time.Millisecond
)

// Options configures a Port. Zero-valued fields are filled from the default
// tags by NewPort. A negative ChunkDelay disables inter-chunk pacing.
type Options struct {
	ReadTimeout      time.Duration `default:"2s"`
	WriteTimeout     time.Duration `default:"2s"`
	ScanTimeout      time.Duration `default:"5s"`
	ConnectTimeout   time.Duration `default:"5s"`
	DiscoveryTimeout time.Duration `default:"5s"`
	ChunkDelay       time.Duration `default:"2ms"`

	DefaultMTU    int `default:"20"`
	QueueCapacity int `default:"65536"`

	// NotificationsOnly disables the preference for indications on TX.
	NotificationsOnly bool
	// WriteWithResponse forces acknowledged writes on RX.
	WriteWithResponse bool

	// Profile defaults to NordicUART when its Service is empty.
	Profile Profile
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() *Options {
	opts := &Options{}
	opts.applyDefaults()
	return opts
}

func (o *Options) applyDefaults() {
	defaults.SetDefaults(o)
	if o.Profile.Service == "" {
		o.Profile = NordicUART
	}
}

// msToDuration converts a millisecond timeout into a duration, negative for
// "no deadline".
func msToDuration(ms int) time.Duration {
	if ms < 0 || ms == InfiniteTimeout {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// durationToMs is the inverse of msToDuration.
func durationToMs(d time.Duration) int {
	if d < 0 {
		return InfiniteTimeout
	}
	return int(d / time.Millisecond)
}
