package engine

import (
	"sync"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// CircuitState is the state of one breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures every breaker in a registry.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long an open circuit rejects calls before a probe.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// HalfOpenMax probes are let through while half-open.
	HalfOpenMax int `mapstructure:"half_open_max"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
}

// CircuitBreakerRegistry keeps one breaker per dependency key, such as
// "tool:http.request" or "llm:openai".
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call to key may proceed, or CIRCUIT_OPEN.
func (r *CircuitBreakerRegistry) Allow(key string) error {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := r.now().Sub(b.lastFailure)
		if elapsed >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %s after %d consecutive failures", key, b.failures).
			WithDetails(map[string]any{
				"key":                key,
				"failures":           b.failures,
				"cooldown_remaining": (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if b.probes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %s: probe in flight", key)
		}
		b.probes++
	}
	return nil
}

// Success closes the circuit for key.
func (r *CircuitBreakerRegistry) Success(key string) {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	b.state = CircuitClosed
}

// Failure records a failed call and returns the resulting state. A failed
// probe reopens the circuit immediately.
func (r *CircuitBreakerRegistry) Failure(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = r.now()
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State reports the current state of key, moving an expired open circuit to half-open.
func (r *CircuitBreakerRegistry) State(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
	return b.state
}

func (r *CircuitBreakerRegistry) get(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	return b
}
