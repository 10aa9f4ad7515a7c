package store

import (
	"context"

	"chai/services/prekeys/internal/domain"

	"gorm.io/gorm"
)

// ErrRecordNotFound wraps gorm's not-found sentinel so callers outside this
// package never need to import gorm directly.
var ErrRecordNotFound = gorm.ErrRecordNotFound

// Store is the root database handle; the per-table accessors (Users,
// Devices, IdentityKeys, SignedPreKeys, OneTimePreKeys) each return a
// lightweight wrapper scoped to the same *gorm.DB.
type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&domain.User{},
		&domain.Device{},
		&domain.IdentityKey{},
		&domain.SignedPreKey{},
		&domain.OneTimePrekey{},
	)
}

// WithTx runs fn against a transaction-scoped Store, committing if fn
// returns nil and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}
