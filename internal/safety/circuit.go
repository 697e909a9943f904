package safety

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"capital-guard/internal/fsx"
)

// CircuitState is one of the breaker's three states.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// CircuitConfig tunes the breaker.
type CircuitConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

// DefaultCircuitConfig mirrors the production defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
		MaxCooldown:      time.Hour,
	}
}

func (c CircuitConfig) validate() bool {
	return c.FailureThreshold > 0 &&
		c.SuccessThreshold > 0 &&
		c.Cooldown >= 0 &&
		c.MaxCooldown >= c.Cooldown
}

type circuitFile struct {
	State         CircuitState `json:"state"`
	Failures      int          `json:"failures"`
	Successes     int          `json:"successes"`
	LastFailureAt *time.Time   `json:"last_failure_at"`
	CooldownSecs  int64        `json:"current_cooldown_seconds"`
}

// CircuitBreaker 三态熔断器，带指数退避与文件持久化。
// 状态文件损坏时 fail-closed：加载为 OPEN、失败计数打满、冷却取最大值，
// 直到运维介入才恢复执行。
type CircuitBreaker struct {
	mu sync.Mutex

	cfg       CircuitConfig
	state     CircuitState
	failures  int
	successes int
	lastFail  *time.Time
	cooldown  time.Duration

	statePath string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewCircuitBreaker constructs a breaker, loading persisted state when
// statePath is non-empty. Panics on a nonsensical config: that is a
// programmer error, not a runtime condition.
func NewCircuitBreaker(cfg CircuitConfig, statePath string, logger zerolog.Logger) *CircuitBreaker {
	if !cfg.validate() {
		panic("safety: invalid circuit breaker config")
	}
	cb := &CircuitBreaker{
		cfg:       cfg,
		state:     StateClosed,
		cooldown:  cfg.Cooldown,
		statePath: statePath,
		logger:    logger.With().Str("component", "circuit_breaker").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if statePath != "" {
		cb.loadState()
	}
	return cb
}

// RecordFailure counts a downstream failure. Reaching the failure threshold
// opens the breaker; a failed HALF_OPEN trial re-opens it and doubles the
// cooldown up to the configured maximum.
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.successes = 0
	now := c.now()
	c.lastFail = &now

	switch {
	case c.state == StateClosed && c.failures >= c.cfg.FailureThreshold:
		c.state = StateOpen
		c.logger.Warn().Int("failures", c.failures).Msg("circuit opened")
	case c.state == StateHalfOpen:
		c.state = StateOpen
		doubled := c.cooldown * 2
		if doubled > c.cfg.MaxCooldown {
			doubled = c.cfg.MaxCooldown
		}
		c.cooldown = doubled
		c.logger.Warn().Dur("cooldown", c.cooldown).Msg("half-open trial failed; circuit re-opened")
	}

	c.persistLocked()
}

// RecordSuccess counts a downstream success. Enough successes in HALF_OPEN
// close the breaker and reset the cooldown to its initial value.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successes++
	c.failures = 0

	if c.state == StateHalfOpen && c.successes >= c.cfg.SuccessThreshold {
		c.state = StateClosed
		c.cooldown = c.cfg.Cooldown
		c.logger.Info().Msg("circuit closed")
	}

	c.persistLocked()
}

// CanExecute reports whether a call may proceed. When OPEN and the cooldown
// has elapsed, the breaker moves to HALF_OPEN as a side effect and admits a
// single trial.
func (c *CircuitBreaker) CanExecute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		if c.cooldownElapsedLocked() {
			c.state = StateHalfOpen
			c.persistLocked()
			return true
		}
		return false
	}
	return false
}

// State returns the current state.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentCooldown returns the cooldown currently in force.
func (c *CircuitBreaker) CurrentCooldown() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldown
}

func (c *CircuitBreaker) cooldownElapsedLocked() bool {
	if c.lastFail == nil {
		return true
	}
	return c.now().Sub(*c.lastFail) >= c.cooldown
}

func (c *CircuitBreaker) persistLocked() {
	if c.statePath == "" {
		return
	}

	data, err := json.MarshalIndent(circuitFile{
		State:         c.state,
		Failures:      c.failures,
		Successes:     c.successes,
		LastFailureAt: c.lastFail,
		CooldownSecs:  int64(c.cooldown / time.Second),
	}, "", "  ")
	if err != nil {
		c.logger.Error().Err(err).Msg("circuit state marshal failed")
		return
	}
	if err := fsx.WriteFileAtomic(c.statePath, data, 0o644); err != nil {
		c.logger.Error().Err(err).Str("path", c.statePath).Msg("circuit state write failed")
	}
}

func (c *CircuitBreaker) loadState() {
	raw, err := os.ReadFile(c.statePath)
	if os.IsNotExist(err) {
		return
	}

	failClosed := func(cause error) {
		now := c.now()
		c.state = StateOpen
		c.failures = c.cfg.FailureThreshold
		c.successes = 0
		c.lastFail = &now
		c.cooldown = c.cfg.MaxCooldown
		c.logger.Error().Err(cause).Str("path", c.statePath).
			Msg("circuit state corrupted; fail-closed to OPEN")
	}

	if err != nil {
		failClosed(err)
		return
	}

	var f circuitFile
	if err := json.Unmarshal(raw, &f); err != nil {
		failClosed(err)
		return
	}
	switch f.State {
	case StateClosed, StateOpen, StateHalfOpen:
	default:
		failClosed(errInvalidState(f.State))
		return
	}

	c.state = f.State
	c.failures = f.Failures
	c.successes = f.Successes
	c.lastFail = f.LastFailureAt

	cd := time.Duration(f.CooldownSecs) * time.Second
	if cd < 0 {
		cd = c.cfg.Cooldown
	}
	if cd > c.cfg.MaxCooldown {
		cd = c.cfg.MaxCooldown
	}
	c.cooldown = cd
}

type errInvalidState CircuitState

func (e errInvalidState) Error() string {
	return "unknown circuit state " + string(e)
}
