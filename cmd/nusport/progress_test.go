package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressPrinter_Seconds(t *testing.T) {
	up := NewProgressPrinter(&bytes.Buffer{}, "x", func() string { return "" })
	assert.Equal(t, 3, up.seconds(3700*time.Millisecond))

	down := NewCountdownProgressPrinter(&bytes.Buffer{}, "x", func() string { return "" }, 5*time.Second)
	assert.Equal(t, 2, down.seconds(3300*time.Millisecond), "remaining time MUST round to the nearest second")
	assert.Equal(t, 1, down.seconds(3700*time.Millisecond))
	assert.Equal(t, 0, down.seconds(6*time.Second), "countdown MUST stop at zero")
}

func TestProgressPrinter_SilentWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "Opening DEV1", func() string { return "scanning" })

	p.Start()
	time.Sleep(2 * progressUpdateInterval)
	p.Stop()
	p.Stop()

	assert.Empty(t, buf.String(), "progress MUST NOT pollute piped output")
}

func TestProgressPrinter_Draws(t *testing.T) {
	buf := &syncBuffer{}
	phase := "scanning"
	p := NewProgressPrinter(buf, "Opening DEV1", func() string { return phase })
	p.enabled = true

	p.Start()
	p.Stop()

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\rOpening DEV1 (scanning 0s)"), "got %q", out)
	assert.True(t, strings.HasSuffix(out, clearLineSequence), "Stop MUST clear the line")
}

func TestProgressPrinter_StopWithoutStart(t *testing.T) {
	p := NewProgressPrinter(&bytes.Buffer{}, "x", func() string { return "" })
	p.Stop()
	p.Start() // no-op after Stop
}
