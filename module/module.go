// Package module defines the lifecycle contract shared by every long
// running component: set up once, then loop under a runner that owns the
// goroutine and the cadence.
package module

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Module is a unit of work driven by a Runner. Loop performs one pass
// and reports whether it did useful work; the runner uses that to decide
// how eagerly to call again.
type Module interface {
	Name() string
	SetUp() error
	Loop() bool
}

// ErrAlreadyRunning is returned by Start when the runner's goroutine is
// already alive.
var ErrAlreadyRunning = errors.New("module is already running")

// idleSleep is how long a tight-loop runner backs off after a pass that
// did no work.
const idleSleep = 100 * time.Microsecond

// Runner owns a module's goroutine. With a positive interval the module
// loops on a ticker; with a zero interval it loops continuously, backing
// off briefly when a pass reports no work.
type Runner struct {
	module   Module
	interval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	busy    atomic.Bool
	setUp   atomic.Bool
}

// NewRunner wraps a module. interval of zero means run continuously.
func NewRunner(m Module, interval time.Duration) *Runner {
	return &Runner{
		module:   m,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start sets the module up and launches its loop goroutine.
func (r *Runner) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := r.setUpOnce(); err != nil {
		r.started.Store(false)
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log.Debug().Str("module", r.module.Name()).Msg("Module started")
		if r.interval > 0 {
			r.tickLoop()
		} else {
			r.tightLoop()
		}
		log.Debug().Str("module", r.module.Name()).Msg("Module stopped")
	}()
	return nil
}

func (r *Runner) tickLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runPass()
		}
	}
}

func (r *Runner) tightLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		if !r.runPass() {
			time.Sleep(idleSleep)
		}
	}
}

func (r *Runner) runPass() bool {
	r.busy.Store(true)
	defer r.busy.Store(false)
	return r.module.Loop()
}

// StartOnce runs a single pass on its own goroutine. Returns false if a
// pass is already executing or the runner's loop is active.
func (r *Runner) StartOnce() bool {
	if r.started.Load() {
		return false
	}
	if !r.busy.CompareAndSwap(false, true) {
		return false
	}
	if err := r.setUpOnce(); err != nil {
		log.Error().Err(err).Str("module", r.module.Name()).Msg("Module setup failed")
		r.busy.Store(false)
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)
		r.module.Loop()
	}()
	return true
}

func (r *Runner) setUpOnce() error {
	if r.setUp.CompareAndSwap(false, true) {
		return r.module.SetUp()
	}
	return nil
}

// Running reports whether a pass is currently executing or the loop is
// active.
func (r *Runner) Running() bool { return r.started.Load() || r.busy.Load() }

// Stop terminates the loop and joins the goroutine. In-flight passes
// finish; nothing is aborted midway.
func (r *Runner) Stop() {
	if r.started.CompareAndSwap(true, false) {
		close(r.stopCh)
	}
	r.wg.Wait()
}
