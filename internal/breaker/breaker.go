// Package breaker implements per-dependency circuit breakers. Each breaker is
// a three-state machine (closed, open, half_open): consecutive failures past a
// threshold open it, the recovery timeout moves it to half_open where a single
// trial call decides between closing and re-opening.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/config"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"

	eventTrip    = "trip"
	eventProbe   = "probe"
	eventRecover = "recover"
)

// Breaker guards calls to one external dependency.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	machine  *fsm.FSM
	failures int
	openedAt time.Time
	trialOut bool
}

func newBreaker(name string, cfg config.BreakerConfig, logger *zap.SugaredLogger, now func() time.Time) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: cfg.FailureThreshold,
		recovery:  cfg.RecoveryTimeout,
		now:       now,
		logger:    logger,
	}
	if b.threshold < 1 {
		b.threshold = 1
	}
	b.machine = fsm.NewFSM(
		StateClosed,
		fsm.Events{
			{Name: eventTrip, Src: []string{StateClosed, StateHalfOpen}, Dst: StateOpen},
			{Name: eventProbe, Src: []string{StateOpen}, Dst: StateHalfOpen},
			{Name: eventRecover, Src: []string{StateHalfOpen}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				b.logger.Infow("breaker state changed", "dependency", b.name, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return b
}

// fire moves the machine; the caller holds b.mu.
func (b *Breaker) fire(event string) {
	if !b.machine.Can(event) {
		return
	}
	_ = b.machine.Event(context.Background(), event)
}

// State returns the current state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.Current()
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout elapsed moves to half_open and lets exactly one trial through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.machine.Current() {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recovery {
			return false
		}
		b.fire(eventProbe)
		b.trialOut = true
		return true
	default: // half_open
		if b.trialOut {
			return false
		}
		b.trialOut = true
		return true
	}
}

// Record feeds the outcome of a call that Allow admitted.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.machine.Current()
	if err == nil {
		b.failures = 0
		if state == StateHalfOpen {
			b.trialOut = false
			b.fire(eventRecover)
		}
		return
	}
	b.failures++
	if state == StateHalfOpen || b.failures >= b.threshold {
		b.trialOut = false
		b.openedAt = b.now()
		b.fire(eventTrip)
	}
}

// Do runs fn when the breaker allows it and records the result. Errors for
// which ignore returns true count as successes; they are expected outcomes
// of a healthy dependency. A panic in fn is recorded as a failure and
// re-raised.
func (b *Breaker) Do(fn func() error, ignore func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	defer func() {
		if p := recover(); p != nil {
			b.Record(fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()
	err := fn()
	if err != nil && ignore != nil && ignore(err) {
		b.Record(nil)
		return err
	}
	b.Record(err)
	return err
}

// Set holds one breaker per dependency name, created on first use.
type Set struct {
	cfg    config.BreakerConfig
	logger *zap.SugaredLogger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet builds an empty set. With cfg.Enabled false, Get returns nil and
// Run calls through unguarded.
func NewSet(cfg config.BreakerConfig, logger *zap.SugaredLogger) *Set {
	return &Set{cfg: cfg, logger: logger, now: time.Now, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a dependency.
func (s *Set) Get(name string) *Breaker {
	if s == nil || !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = newBreaker(name, s.cfg, s.logger, s.now)
		s.breakers[name] = b
	}
	return b
}

// Run guards fn with the named breaker.
func (s *Set) Run(name string, fn func() error, ignore func(error) bool) error {
	b := s.Get(name)
	if b == nil {
		return fn()
	}
	return b.Do(fn, ignore)
}

// States snapshots every breaker's state for the status endpoint.
func (s *Set) States() map[string]string {
	out := map[string]string{}
	if s == nil {
		return out
	}
	s.mu.Lock()
	list := make(map[string]*Breaker, len(s.breakers))
	for k, v := range s.breakers {
		list[k] = v
	}
	s.mu.Unlock()
	for k, b := range list {
		out[k] = b.State()
	}
	return out
}
