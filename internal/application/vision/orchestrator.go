package vision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bryanwahyu/cardscan/internal/application"
	domain "github.com/bryanwahyu/cardscan/internal/domain/vision"
)

// Options configures an Orchestrator. Backends are registered in the order given to New.
type Options struct {
	Primary  domain.BackendID
	Fallback domain.BackendID
	// Timeouts bounds each attempt per backend; zero means no extra bound.
	Timeouts map[domain.BackendID]time.Duration
	// Disabled backends stay registered but are skipped until re-enabled.
	Disabled map[domain.BackendID]bool
	// RetryPrimaryAfter lets the primary take over again once this long has
	// passed since a promotion. Zero keeps the promoted backend until it fails.
	RetryPrimaryAfter time.Duration
	Clock             application.Clock
	Logger            *log.Logger
}

type backendState struct {
	backend     domain.Backend
	timeout     time.Duration
	enabled     bool
	failures    int
	successes   int
	lastFailure time.Time
	lastError   string
}

// Orchestrator routes recognition requests through a chain of backends with
// sticky failover. It is safe for concurrent use.
type Orchestrator struct {
	mu         sync.Mutex
	registry   []*backendState
	primary    int
	fallback   int
	current    int
	promotedAt time.Time

	retryPrimaryAfter time.Duration
	clock             application.Clock
	logger            *log.Logger
}

// Outcome is a successful recognition and the attempts it took.
type Outcome struct {
	domain.Recognition
	Backend domain.BackendID
	// Failures lists backends that failed before Backend answered.
	Failures []domain.Failure
}

// BackendStatus is a snapshot of one backend's health.
type BackendStatus struct {
	ID           domain.BackendID `json:"id"`
	Enabled      bool             `json:"enabled"`
	Current      bool             `json:"current"`
	Primary      bool             `json:"primary"`
	Fallback     bool             `json:"fallback"`
	FailureCount int              `json:"failure_count"`
	SuccessCount int              `json:"success_count"`
	LastFailure  *time.Time       `json:"last_failure,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
}

// New builds an Orchestrator. It fails when primary or fallback is not
// registered, a backend is registered twice, or nothing is enabled.
func New(opts Options, backends ...domain.Backend) (*Orchestrator, error) {
	if len(backends) == 0 {
		return nil, errors.New("vision orchestrator: no backends registered")
	}
	o := &Orchestrator{
		primary:           -1,
		fallback:          -1,
		current:           -1,
		retryPrimaryAfter: opts.RetryPrimaryAfter,
		clock:             opts.Clock,
		logger:            opts.Logger,
	}
	if o.clock == nil {
		o.clock = application.SystemClock{}
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	seen := make(map[domain.BackendID]bool, len(backends))
	for i, b := range backends {
		id := b.ID()
		if seen[id] {
			return nil, fmt.Errorf("vision orchestrator: backend %q registered twice", id)
		}
		seen[id] = true
		o.registry = append(o.registry, &backendState{
			backend: b,
			timeout: opts.Timeouts[id],
			enabled: !opts.Disabled[id],
		})
		if id == opts.Primary {
			o.primary = i
		}
		if id == opts.Fallback {
			o.fallback = i
		}
	}
	if opts.Primary != "" && o.primary < 0 {
		return nil, fmt.Errorf("vision orchestrator: primary backend %q is not registered", opts.Primary)
	}
	if opts.Fallback != "" && o.fallback < 0 {
		return nil, fmt.Errorf("vision orchestrator: fallback backend %q is not registered", opts.Fallback)
	}

	// primary if usable, otherwise the first enabled backend
	if o.primary >= 0 && o.registry[o.primary].enabled {
		o.current = o.primary
	} else {
		o.current = o.nextEnabled(-1)
	}
	if o.current < 0 {
		return nil, errors.New("vision orchestrator: no enabled backends")
	}
	o.logger.Info("vision chain ready", "current", o.registry[o.current].backend.ID(), "backends", len(o.registry))
	return o, nil
}

// Process recognizes img with the current backend, failing over to the
// fallback and then every other enabled backend in registry order.
func (o *Orchestrator) Process(ctx context.Context, img domain.Image) (Outcome, error) {
	order := o.attemptOrder()
	if len(order) == 0 {
		return Outcome{}, &domain.ExhaustedError{}
	}

	var failures []domain.Failure
	for _, idx := range order {
		st := o.registry[idx]
		id := st.backend.ID()

		rec, err := o.invoke(ctx, st, img)
		if err == nil {
			o.recordSuccess(idx)
			return Outcome{Recognition: rec, Backend: id, Failures: failures}, nil
		}
		if ctx.Err() != nil {
			return Outcome{Failures: failures}, fmt.Errorf("vision process: %w", ctx.Err())
		}
		o.recordFailure(idx, err)
		failures = append(failures, domain.Failure{Backend: id, Reason: err.Error()})
	}

	o.logger.Error("all vision backends failed", "attempts", len(failures))
	return Outcome{Failures: failures}, &domain.ExhaustedError{Failures: failures}
}

func (o *Orchestrator) invoke(ctx context.Context, st *backendState, img domain.Image) (domain.Recognition, error) {
	if st.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.timeout)
		defer cancel()
	}
	rec, err := st.backend.Recognize(ctx, img)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var be *domain.BackendError
		if !errors.As(err, &be) {
			err = domain.Fail(st.backend.ID(), domain.KindTimeout, err)
		}
	}
	return rec, err
}

// attemptOrder snapshots who to try: current, configured fallback, then the rest.
func (o *Orchestrator) attemptOrder() []int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.retryPrimaryAfter > 0 && o.primary >= 0 && o.current != o.primary &&
		o.registry[o.primary].enabled && !o.promotedAt.IsZero() &&
		o.clock.Now().Sub(o.promotedAt) >= o.retryPrimaryAfter {
		o.logger.Info("retrying primary vision backend", "backend", o.registry[o.primary].backend.ID())
		o.current = o.primary
		o.promotedAt = time.Time{}
	}

	tried := make(map[int]bool, len(o.registry))
	order := make([]int, 0, len(o.registry))
	add := func(i int) {
		if i < 0 || tried[i] || !o.registry[i].enabled {
			return
		}
		tried[i] = true
		order = append(order, i)
	}
	add(o.current)
	add(o.fallback)
	for i := range o.registry {
		add(i)
	}
	return order
}

func (o *Orchestrator) recordSuccess(idx int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.registry[idx]
	if st.failures > 0 {
		o.logger.Info("vision backend recovered", "backend", st.backend.ID(), "after_failures", st.failures)
	}
	st.failures = 0
	st.successes++
	if idx != o.current {
		o.logger.Warn("vision failover", "from", o.registry[o.current].backend.ID(), "to", st.backend.ID())
		o.current = idx
		o.promotedAt = o.clock.Now()
		if idx == o.primary {
			o.promotedAt = time.Time{}
		}
	}
}

func (o *Orchestrator) recordFailure(idx int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := o.registry[idx]
	st.failures++
	st.lastFailure = o.clock.Now()
	st.lastError = err.Error()
	o.logger.Warn("vision backend failed", "backend", st.backend.ID(), "failures", st.failures, "err", err)
}

func (o *Orchestrator) nextEnabled(after int) int {
	n := len(o.registry)
	for step := 1; step <= n; step++ {
		i := (after + step) % n
		if i < 0 {
			i += n
		}
		if o.registry[i].enabled {
			return i
		}
	}
	return -1
}

// Current returns the backend the next Process call starts with.
func (o *Orchestrator) Current() domain.BackendID {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current < 0 {
		return ""
	}
	return o.registry[o.current].backend.ID()
}

// SetEnabled toggles a backend. Disabling the current backend moves the chain
// to the next enabled one; the last enabled backend cannot be disabled.
func (o *Orchestrator) SetEnabled(id domain.BackendID, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := -1
	for i, st := range o.registry {
		if st.backend.ID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("vision backend %q is not registered", id)
	}
	st := o.registry[idx]
	if st.enabled == enabled {
		return nil
	}
	if enabled {
		st.enabled = true
		if o.current < 0 {
			o.current = idx
		}
		o.logger.Info("vision backend enabled", "backend", id)
		return nil
	}

	st.enabled = false
	if idx == o.current {
		next := o.nextEnabled(idx)
		if next < 0 {
			st.enabled = true
			return fmt.Errorf("vision backend %q is the last one enabled", id)
		}
		o.current = next
		o.promotedAt = o.clock.Now()
	}
	o.logger.Info("vision backend disabled", "backend", id, "current", o.registry[o.current].backend.ID())
	return nil
}

// Status reports per-backend health in registry order.
func (o *Orchestrator) Status() []BackendStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]BackendStatus, 0, len(o.registry))
	for i, st := range o.registry {
		s := BackendStatus{
			ID:           st.backend.ID(),
			Enabled:      st.enabled,
			Current:      i == o.current,
			Primary:      i == o.primary,
			Fallback:     i == o.fallback,
			FailureCount: st.failures,
			SuccessCount: st.successes,
			LastError:    st.lastError,
		}
		if !st.lastFailure.IsZero() {
			t := st.lastFailure
			s.LastFailure = &t
		}
		out = append(out, s)
	}
	return out
}
