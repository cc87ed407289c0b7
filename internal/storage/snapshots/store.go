// Package snapshots persists the last observed coin list of every tracked account.
package snapshots

import (
	"context"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

// Store keeps exactly one snapshot per account.
type Store interface {
	// Load returns the persisted snapshot. A missing snapshot yields Found=false and no error.
	Load(ctx context.Context, account string) (domain.Snapshot, error)
	// Save atomically replaces the snapshot of the account.
	Save(ctx context.Context, account string, snapshot domain.Snapshot) error
}
