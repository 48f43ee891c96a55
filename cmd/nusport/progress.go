package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/srg/nusport/internal/groutine"
	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line with the current phase and
// elapsed (or remaining) seconds. It only draws when its writer is a
// terminal, so piped output stays clean.
//
// A ProgressPrinter is single-use: Start once, Stop at least once.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	phase    func() string
	duration time.Duration // countdown length, 0 counts up
	enabled  bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter counts up from Start. phase is polled on every redraw.
func NewProgressPrinter(w io.Writer, prefix string, phase func() string) *ProgressPrinter {
	return &ProgressPrinter{
		w:       w,
		prefix:  prefix,
		phase:   phase,
		enabled: isTerminal(w),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// NewCountdownProgressPrinter counts down from duration.
func NewCountdownProgressPrinter(w io.Writer, prefix string, phase func() string, duration time.Duration) *ProgressPrinter {
	p := NewProgressPrinter(w, prefix, phase)
	p.duration = duration
	return p
}

// Start begins redrawing in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		if !p.enabled {
			close(p.done)
			return
		}
		start := time.Now()
		p.draw(start)
		groutine.Go(context.Background(), "progress-printer", func(context.Context) {
			defer close(p.done)
			ticker := time.NewTicker(progressUpdateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.stop:
					return
				case <-ticker.C:
					p.draw(start)
				}
			}
		})
	})
}

// Stop ends the redraw loop and clears the line. Safe to call repeatedly.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.startOnce.Do(func() { close(p.done) })
		<-p.done
		if p.enabled {
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}

func (p *ProgressPrinter) draw(start time.Time) {
	fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, p.phase(), p.seconds(time.Since(start)))
}

// seconds returns elapsed seconds, or remaining seconds rounded to the
// nearest second in countdown mode.
func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.duration <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
