package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when a breaker refuses a call. Callers map it to the
// pipeline's circuit_open error code.
var ErrOpen = errors.New("circuit breaker open")

// Services lists every dependency guarded by a breaker.
var Services = []string{"openai", "firecrawl", "brave", "gmail", "resend"}

// Options mirror the breaker tuning knobs from pipeline config.
type Options struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

// State is the observable view of one breaker for the health endpoint.
type State struct {
	State         string `json:"state"`
	Failures      uint32 `json:"failures"`
	Successes     uint32 `json:"successes"`
	LastFailureMs int64  `json:"last_failure_ms"`
}

// Registry holds one breaker per external service, shared process-wide.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	breakers map[string]*gobreaker.CircuitBreaker
	lastFail map[string]int64
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		opts:     opts,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		lastFail: make(map[string]int64),
	}
	for _, svc := range Services {
		r.breakers[svc] = r.newBreaker(svc)
	}
	return r
}

func (r *Registry) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := uint32(r.opts.FailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(r.opts.HalfOpenMaxAttempts),
		Timeout:     r.opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[CircuitBreaker] %s: %s -> %s", name, stateName(from), stateName(to))
		},
	})
}

func (r *Registry) breaker(service string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[service]
	if !ok {
		cb = r.newBreaker(service)
		r.breakers[service] = cb
	}
	return cb
}

// Execute runs fn through the service's breaker. A refused call returns an
// error wrapping ErrOpen without invoking fn.
func (r *Registry) Execute(service string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := r.breaker(service).Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", service, ErrOpen)
		}
		r.mu.Lock()
		r.lastFail[service] = time.Now().UnixMilli()
		r.mu.Unlock()
	}
	return result, err
}

// StateOf returns the current state name for one service.
func (r *Registry) StateOf(service string) string {
	return stateName(r.breaker(service).State())
}

// Snapshot returns the observable view of every breaker, keyed by service.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		counts := cb.Counts()
		out[name] = State{
			State:         stateName(cb.State()),
			Failures:      counts.TotalFailures,
			Successes:     counts.TotalSuccesses,
			LastFailureMs: r.lastFail[name],
		}
	}
	return out
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}
