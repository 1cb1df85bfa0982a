package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// progressBar renders an in-place terminal progress bar for one long
// computation. It refreshes at a fixed interval; Report may be called
// from any goroutine.
type progressBar struct {
	ctx      context.Context
	out      io.Writer
	label    string
	barWidth int
	start    time.Time
	frac     atomic.Uint64 // float64 bits
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
}

func newProgressBar(ctx context.Context, out io.Writer, label string) *progressBar {
	pb := &progressBar{
		ctx:      ctx,
		out:      out,
		label:    label,
		barWidth: 30,
		start:    time.Now(),
		done:     make(chan struct{}),
	}
	go pb.run()
	return pb
}

// Report records the completed fraction. It returns false once the
// context is cancelled, which aborts the computation.
func (pb *progressBar) Report(complete float64, _ string) bool {
	pb.frac.Store(math.Float64bits(complete))
	return pb.ctx.Err() == nil
}

// Finish stops the refresh loop and prints the final bar state with a newline.
func (pb *progressBar) Finish() {
	pb.once.Do(func() {
		close(pb.done)
		pb.draw()
		fmt.Fprint(pb.out, "\n")
	})
}

func (pb *progressBar) run() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-pb.done:
			return
		case <-ticker.C:
			pb.draw()
		}
	}
}

func (pb *progressBar) draw() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	fmt.Fprint(pb.out, pb.line(time.Since(pb.start)))
}

func (pb *progressBar) line(elapsed time.Duration) string {
	frac := math.Min(math.Max(math.Float64frombits(pb.frac.Load()), 0), 1)
	filled := int(float64(pb.barWidth) * frac)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pb.barWidth-filled)

	eta := "--"
	if frac > 0 && frac < 1 {
		eta = formatDuration(time.Duration(float64(elapsed) * (1 - frac) / frac))
	}
	return fmt.Sprintf("\r%s [%s] %3.0f%%  %s  eta %s\033[K",
		pb.label, bar, frac*100, formatDuration(elapsed), eta)
}

// formatDuration formats a duration concisely (e.g. "1m23s", "45s", "0s").
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) - m*60
	return fmt.Sprintf("%dm%02ds", m, s)
}
