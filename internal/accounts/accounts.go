// Package accounts answers "does this captain exist" for socket identification.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

type PostgresAccounts struct {
	db *sql.DB
}

func NewPostgresAccounts(db *sql.DB) *PostgresAccounts {
	return &PostgresAccounts{db: db}
}

func (p *PostgresAccounts) Lookup(ctx context.Context, id string) (presence.Account, bool, error) {
	var vehicle string
	err := p.db.QueryRowContext(ctx, `SELECT vehicle_class FROM captains WHERE id = $1`, id).Scan(&vehicle)
	if errors.Is(err, sql.ErrNoRows) {
		return presence.Account{}, false, nil
	}
	if err != nil {
		return presence.Account{}, false, err
	}
	return presence.Account{ID: id, VehicleClass: models.VehicleClass(vehicle)}, true, nil
}

// MemoryAccounts is used for local runs and tests.
type MemoryAccounts struct {
	mu       sync.RWMutex
	captains map[string]models.VehicleClass
	// open accepts any id with an empty vehicle class.
	open bool
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{captains: make(map[string]models.VehicleClass)}
}

// NewOpenAccounts accepts every id; only suitable for local development.
func NewOpenAccounts() *MemoryAccounts {
	m := NewMemoryAccounts()
	m.open = true
	return m
}

func (m *MemoryAccounts) Add(id string, vehicle models.VehicleClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captains[id] = vehicle
}

func (m *MemoryAccounts) Lookup(ctx context.Context, id string) (presence.Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.captains[id]
	if !ok && !m.open {
		return presence.Account{}, false, nil
	}
	return presence.Account{ID: id, VehicleClass: v}, true, nil
}
