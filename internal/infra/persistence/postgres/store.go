package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/volsurface/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories sharing one pool.
type Store struct {
	*persistence.Store
	Surfaces *SurfaceStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:    persistence.NewStore(pool),
		Surfaces: NewSurfaceStore(pool),
	}
}
