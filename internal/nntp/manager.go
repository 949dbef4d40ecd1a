// Package nntp owns the NNTP connection pool and article fetching.
package nntp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/javi11/nntppool/v4"
)

// Manager provides centralized NNTP connection pool management
type Manager interface {
	// GetPool returns the current connection pool or error if not available
	GetPool() (*nntppool.Client, error)

	// SetProviders creates/recreates the pool with new providers
	SetProviders(providers []nntppool.Provider) error

	// ClearPool shuts down and removes the current pool
	ClearPool() error

	// HasPool returns true if a pool is currently available
	HasPool() bool

	// Stats returns the current pool statistics
	Stats() (nntppool.ClientStats, error)
}

type manager struct {
	mu     sync.RWMutex
	pool   *nntppool.Client
	ctx    context.Context
	logger *slog.Logger
}

// NewManager creates a new pool manager
func NewManager(ctx context.Context) Manager {
	return &manager{
		ctx:    ctx,
		logger: slog.Default().With("component", "nntp"),
	}
}

func (m *manager) GetPool() (*nntppool.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pool == nil {
		return nil, fmt.Errorf("NNTP connection pool not available - no providers configured")
	}
	return m.pool, nil
}

func (m *manager) SetProviders(providers []nntppool.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool != nil {
		m.logger.InfoContext(m.ctx, "Shutting down existing NNTP connection pool")
		m.pool.Close()
		m.pool = nil
	}

	if len(providers) == 0 {
		m.logger.InfoContext(m.ctx, "No NNTP providers configured - pool cleared")
		return nil
	}

	m.logger.InfoContext(m.ctx, "Creating NNTP connection pool", "provider_count", len(providers))
	pool, err := nntppool.NewClient(m.ctx, providers)
	if err != nil {
		return fmt.Errorf("failed to create NNTP connection pool: %w", err)
	}
	m.pool = pool

	m.logger.InfoContext(m.ctx, "NNTP connection pool created successfully")
	return nil
}

func (m *manager) ClearPool() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool != nil {
		m.logger.InfoContext(m.ctx, "Clearing NNTP connection pool")
		m.pool.Close()
		m.pool = nil
	}
	return nil
}

func (m *manager) HasPool() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool != nil
}

func (m *manager) Stats() (nntppool.ClientStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pool == nil {
		return nntppool.ClientStats{}, fmt.Errorf("NNTP connection pool not available")
	}
	return m.pool.Stats(), nil
}
