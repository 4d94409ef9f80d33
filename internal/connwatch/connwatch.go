// Package connwatch watches the services WOPR depends on: the oracle
// providers and the docker daemon behind the tool sandbox.
//
// Each service is probed at startup with exponential backoff (1s, 2s,
// 4s, ... capped at 30s) and then polled on a fixed interval. State
// changes are logged and published on the event bus so operators see an
// outage before a user's turn fails on it.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wopr-bot/wopr/internal/events"
)

// Probe returns nil when the service is reachable.
type Probe func(ctx context.Context) error

// Schedule controls how often a service is probed.
type Schedule struct {
	Initial         time.Duration // first retry delay
	Max             time.Duration // backoff ceiling
	Factor          float64
	StartupAttempts int
	Poll            time.Duration // interval once startup is over
	Timeout         time.Duration // per probe
}

// DefaultSchedule returns the stock probe schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		Initial:         time.Second,
		Max:             30 * time.Second,
		Factor:          2,
		StartupAttempts: 6,
		Poll:            time.Minute,
		Timeout:         10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Initial <= 0 {
		s.Initial = d.Initial
	}
	if s.Max <= 0 {
		s.Max = d.Max
	}
	if s.Factor < 1 {
		s.Factor = d.Factor
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = d.StartupAttempts
	}
	if s.Poll <= 0 {
		s.Poll = d.Poll
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Service is one watched dependency.
type Service struct {
	Name     string
	Probe    Probe
	Schedule Schedule
}

// Status is a service's last known health, shaped for the /health
// endpoint.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type state struct {
	svc       Service
	up        bool
	checked   bool
	lastCheck time.Time
	lastErr   error
}

// Monitor probes a set of services. Register services with Add before
// calling Run.
type Monitor struct {
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.RWMutex
	services map[string]*state
}

// NewMonitor creates a monitor. bus may be nil.
func NewMonitor(logger *slog.Logger, bus *events.Bus) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger,
		bus:      bus,
		services: make(map[string]*state),
	}
}

// Add registers a service. Adding a name twice replaces the first.
func (m *Monitor) Add(svc Service) error {
	if svc.Name == "" || svc.Probe == nil {
		return fmt.Errorf("connwatch: service needs a name and a probe")
	}
	svc.Schedule = svc.Schedule.withDefaults()
	m.mu.Lock()
	m.services[svc.Name] = &state{svc: svc}
	m.mu.Unlock()
	return nil
}

// Run watches every registered service until ctx is cancelled. It
// always returns nil so an unreachable service never stops the server.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.RLock()
	svcs := make([]Service, 0, len(m.services))
	for _, st := range m.services {
		svcs = append(svcs, st.svc)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range svcs {
		g.Go(func() error {
			m.watch(ctx, svc)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) watch(ctx context.Context, svc Service) {
	sched := svc.Schedule
	delay := sched.Initial
	for attempt := 1; attempt <= sched.StartupAttempts; attempt++ {
		err := m.check(ctx, svc)
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt == sched.StartupAttempts {
			m.logger.Warn("service still unreachable after startup probes, polling",
				"service", svc.Name, "attempts", attempt, "error", err)
			break
		}
		m.logger.Debug("startup probe failed",
			"service", svc.Name, "attempt", attempt, "next_delay", delay.String(), "error", err)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*sched.Factor), sched.Max)
	}

	ticker := time.NewTicker(sched.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, svc)
		}
	}
}

// check probes once and records the result, announcing transitions.
func (m *Monitor) check(ctx context.Context, svc Service) error {
	pctx, cancel := context.WithTimeout(ctx, svc.Schedule.Timeout)
	err := svc.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	st, ok := m.services[svc.Name]
	if !ok {
		m.mu.Unlock()
		return err
	}
	wasUp, first := st.up, !st.checked
	st.up = err == nil
	st.checked = true
	st.lastCheck = time.Now()
	st.lastErr = err
	m.mu.Unlock()

	switch {
	case err == nil && (first || !wasUp):
		m.logger.Info("service reachable", "service", svc.Name)
		m.bus.Emit(events.SourceWatch, events.KindServiceUp, map[string]any{"service": svc.Name})
	case err != nil && (first || wasUp):
		m.logger.Warn("service unreachable", "service", svc.Name, "error", err)
		m.bus.Emit(events.SourceWatch, events.KindServiceDown, map[string]any{
			"service": svc.Name,
			"error":   err.Error(),
		})
	}
	return err
}

// Up reports whether the named service answered its last probe.
func (m *Monitor) Up(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.services[name]
	return ok && st.up
}

// Status returns every service's health, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.services))
	for name, st := range m.services {
		s := Status{Name: name, Up: st.up, LastCheck: st.lastCheck}
		if st.lastErr != nil {
			s.LastError = st.lastErr.Error()
		}
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
