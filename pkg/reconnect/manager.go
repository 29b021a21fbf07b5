// Package reconnect provides exponential backoff with a circuit breaker
// for long-lived connections.
package reconnect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tapeflow/pkg/errors"
	"tapeflow/pkg/logger"
)

// Config configures the reconnect manager
type Config struct {
	MinBackoff        time.Duration // Initial backoff (e.g. 1s)
	MaxBackoff        time.Duration // Max backoff (e.g. 1min)
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g. 2.0)
	MaxRetries        int           // Max consecutive retries before opening circuit
	HeartbeatTimeout  time.Duration // Max time without messages before considering connection dead
	CircuitResetAfter time.Duration // How long to wait before trying again after circuit opens
}

// Manager tracks connection health and computes retry backoff.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu                  sync.RWMutex
	currentBackoff      time.Duration
	consecutiveFailures int
	totalReconnects     int
	circuitOpen         bool
	circuitOpenedAt     time.Time

	lastMessageTime atomic.Int64 // Unix seconds
}

// NewManager creates a reconnect manager with sensible defaults
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = time.Minute
	}
	if cfg.CircuitResetAfter == 0 {
		cfg.CircuitResetAfter = 5 * time.Minute
	}

	return &Manager{
		cfg:            cfg,
		log:            log,
		currentBackoff: cfg.MinBackoff,
	}
}

// RecordMessageReceived updates the last message timestamp.
// Call this every time a message arrives on the connection.
func (m *Manager) RecordMessageReceived() {
	m.lastMessageTime.Store(time.Now().Unix())
}

// IsHealthy reports whether the connection has produced a message within
// the heartbeat timeout. A connection with no messages yet counts as
// healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.circuitOpen {
		return false
	}

	last := m.lastMessageTime.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(last, 0)) <= m.cfg.HeartbeatTimeout
}

// ShouldRetry reports whether another reconnect attempt is allowed.
func (m *Manager) ShouldRetry() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.circuitOpen {
		return time.Since(m.circuitOpenedAt) >= m.cfg.CircuitResetAfter
	}
	return m.consecutiveFailures < m.cfg.MaxRetries
}

// Backoff returns the current backoff duration.
func (m *Manager) Backoff() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentBackoff
}

// RecordFailure records a failed attempt and grows the backoff.
func (m *Manager) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveFailures++

	next := time.Duration(float64(m.currentBackoff) * m.cfg.BackoffMultiplier)
	if next > m.cfg.MaxBackoff {
		next = m.cfg.MaxBackoff
	}
	m.currentBackoff = next

	m.log.Warnw("Reconnection failed",
		"consecutive_failures", m.consecutiveFailures,
		"next_backoff", m.currentBackoff,
	)

	if m.consecutiveFailures >= m.cfg.MaxRetries {
		m.circuitOpen = true
		m.circuitOpenedAt = time.Now()
		m.log.Errorw("Circuit breaker opened after repeated failures",
			"consecutive_failures", m.consecutiveFailures,
			"circuit_reset_after", m.cfg.CircuitResetAfter,
		)
	}
}

// RecordSuccess resets the backoff and closes the circuit.
func (m *Manager) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consecutiveFailures > 0 {
		m.log.Infow("Reconnection successful, resetting backoff",
			"previous_consecutive_failures", m.consecutiveFailures,
		)
	}

	m.currentBackoff = m.cfg.MinBackoff
	m.consecutiveFailures = 0
	m.totalReconnects++

	if m.circuitOpen {
		m.log.Infow("Circuit breaker closed, connection restored",
			"total_reconnects", m.totalReconnects,
		)
		m.circuitOpen = false
		m.circuitOpenedAt = time.Time{}
	}

	m.lastMessageTime.Store(time.Now().Unix())
}

// Stats contains reconnection statistics
type Stats struct {
	ConsecutiveFailures int
	TotalReconnects     int
	CurrentBackoff      time.Duration
	CircuitOpen         bool
}

// GetStats returns current reconnect manager stats
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		ConsecutiveFailures: m.consecutiveFailures,
		TotalReconnects:     m.totalReconnects,
		CurrentBackoff:      m.currentBackoff,
		CircuitOpen:         m.circuitOpen,
	}
}

// Attempt waits the current backoff and runs the connect function,
// recording the outcome. It fails immediately when the circuit is open
// or the retry budget is spent.
func (m *Manager) Attempt(ctx context.Context, connect func(context.Context) error) error {
	if !m.ShouldRetry() {
		m.mu.RLock()
		open := m.circuitOpen
		failures := m.consecutiveFailures
		m.mu.RUnlock()

		if open {
			return errors.New("circuit breaker is open")
		}
		return errors.Newf("max retries reached: %d consecutive failures", failures)
	}

	backoff := m.Backoff()
	if backoff > 0 {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := connect(ctx); err != nil {
		m.RecordFailure()
		return err
	}

	m.RecordSuccess()
	return nil
}
