package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps a one-line status with elapsed or remaining seconds on w.
//
// A ProgressPrinter is single-use: Start at most once, Stop any number of times.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value        // current phase name
	stopPhases map[string]struct{} // phases that end the display
	countUp    bool
	duration   time.Duration // countdown mode only

	mu        sync.Mutex // serializes writes to w
	startTime time.Time
	started   atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a progress printer that shows elapsed time.
func NewProgressPrinter(w io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, true, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a progress printer that counts down from duration.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, false, duration, stopPhases)
}

func newProgressPrinter(w io.Writer, prefix, phase string, countUp bool, duration time.Duration, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: stopSet,
		countUp:    countUp,
		duration:   duration,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.startTime = time.Now()
	p.print(p.phase.Load().(string), 0)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, ok := p.stopPhases[phase]; ok {
					return
				}
				p.print(phase, p.seconds())
			}
		}
	}()
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// round to the nearest second
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Println writes a full line to out without tearing the progress line.
func (p *ProgressPrinter) Println(out io.Writer, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.Load() && out == p.w {
		fmt.Fprint(p.w, clearLineSequence)
	}
	fmt.Fprintln(out, line)
}

// Callback returns a func that updates the phase; a stop phase stops the printer.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, ok := p.stopPhases[phase]; ok {
			p.Stop()
		}
	}
}

// Stop ends the display and clears the line. Safe to call repeatedly.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.started.Load() {
			<-p.done
			p.mu.Lock()
			fmt.Fprint(p.w, clearLineSequence)
			p.mu.Unlock()
		}
	})
}
