// Package hint implements the two-phase hint lifecycle.
//
// A detection first starts a provisional hint. The hint is confirmed either
// immediately by the caller or by a confirm timer once the confirm delay
// elapses without a superseding detection. Re-triggering the same label
// inside the debounce window is ignored.
//
//	none ──StartProvisional──▶ provisional ──Confirm / timer──▶ confirmed
//	                              │
//	                              └──CancelProvisional / Reset──▶ none
//
// A [Machine] holds at most one armed timer and fires at most one
// confirmation per StartProvisional.
package hint

import (
	"sync"
	"time"
)

// Status is the lifecycle phase of the current hint.
type Status int

const (
	StatusNone Status = iota
	StatusProvisional
	StatusConfirmed
)

// String returns the wire name of s.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusProvisional:
		return "provisional"
	case StatusConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// State is a snapshot of the current hint.
type State struct {
	Status       Status    `json:"status"`
	LabelID      string    `json:"label_id,omitempty"`
	DisplayLabel string    `json:"display_label,omitempty"`
	HintText     string    `json:"hint_text,omitempty"`
	DetectedAt   time.Time `json:"detected_at,omitzero"`
}

// Config holds the timing of a Machine.
type Config struct {
	// Debounce is the minimum time between two accepted triggers of the same
	// label.
	Debounce time.Duration

	// ConfirmDelay is how long a provisional hint waits before it confirms
	// on its own.
	ConfirmDelay time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		Debounce:     1500 * time.Millisecond,
		ConfirmDelay: 800 * time.Millisecond,
	}
}

// Option is a functional option for [NewMachine].
type Option func(*Machine)

// WithClock sets the time source for debounce bookkeeping. Defaults to
// [time.Now].
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLocker makes timer callbacks acquire l before touching the machine.
// Pass the lock that already guards every other call so that the machine
// and its owner change state atomically. Defaults to a private mutex.
func WithLocker(l sync.Locker) Option {
	return func(m *Machine) { m.locker = l }
}

// WithOnConfirm registers fn to run on every confirmation. It runs with the
// machine's lock held and must not call back into the Machine.
func WithOnConfirm(fn func(State)) Option {
	return func(m *Machine) { m.onConfirm = fn }
}

// Machine is the hint state machine.
//
// Machine does not lock on its own: every method must be called with the
// locker passed to [WithLocker] held, which is the lock the confirm timer
// takes as well.
type Machine struct {
	cfg       Config
	sched     Scheduler
	now       func() time.Time
	locker    sync.Locker
	onConfirm func(State)

	state     State
	timer     Timer
	gen       uint64
	triggered map[string]time.Time
}

// NewMachine returns a Machine in the none state.
func NewMachine(cfg Config, sched Scheduler, opts ...Option) *Machine {
	if sched == nil {
		sched = RealScheduler{}
	}
	m := &Machine{
		cfg:       cfg,
		sched:     sched,
		now:       time.Now,
		locker:    &sync.Mutex{},
		triggered: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StartProvisional starts a provisional hint for labelID. It reports false,
// changing nothing, when the same label was triggered within the debounce
// window. Otherwise any armed timer is cancelled, a pending provisional hint
// is replaced and a fresh confirm timer is armed.
func (m *Machine) StartProvisional(labelID, hintText, displayLabel string) bool {
	now := m.now()
	if last, ok := m.triggered[labelID]; ok && now.Sub(last) < m.cfg.Debounce {
		return false
	}

	m.stopTimer()
	m.state = State{
		Status:       StatusProvisional,
		LabelID:      labelID,
		DisplayLabel: displayLabel,
		HintText:     hintText,
		DetectedAt:   now,
	}
	m.triggered[labelID] = now

	m.gen++
	gen := m.gen
	m.timer = m.sched.AfterFunc(m.cfg.ConfirmDelay, func() {
		m.locker.Lock()
		defer m.locker.Unlock()
		if gen != m.gen {
			return
		}
		m.timer = nil
		m.Confirm()
	})
	return true
}

// Confirm confirms the provisional hint and fires the confirmation
// callback. It reports false outside the provisional state.
func (m *Machine) Confirm() bool {
	if m.state.Status != StatusProvisional {
		return false
	}
	m.stopTimer()
	m.state.Status = StatusConfirmed
	if m.onConfirm != nil {
		m.onConfirm(m.state)
	}
	return true
}

// CancelProvisional drops the provisional hint without confirming it. It
// reports false outside the provisional state.
func (m *Machine) CancelProvisional() bool {
	if m.state.Status != StatusProvisional {
		return false
	}
	m.stopTimer()
	m.state = State{}
	return true
}

// Reset forces the none state from any state, cancels the timer and, when
// clearDebounce is set, forgets every debounce timestamp.
func (m *Machine) Reset(clearDebounce bool) {
	m.stopTimer()
	m.state = State{}
	if clearDebounce {
		clear(m.triggered)
	}
}

// State returns the current hint.
func (m *Machine) State() State { return m.state }

// Armed reports whether a confirm timer is pending.
func (m *Machine) Armed() bool { return m.timer != nil }

// stopTimer cancels the armed timer and invalidates any callback that is
// already running.
func (m *Machine) stopTimer() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
