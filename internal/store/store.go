// Package store defines the persistence contract of the engine. A Changeset
// carries every row touched by one atomic transition; Committer implementations
// must apply it all-or-nothing.
package store

import (
	"context"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
)

// Changeset is the unit of durable commit.
type Changeset struct {
	Profiles  []blood.Profile
	Hospitals []blood.Hospital
	Donations []blood.Donation
	Requests  []blood.Request
	Inventory []blood.InventoryLevel
	Audit     []audit.Entry
}

// Empty reports whether the changeset has nothing to write.
func (c Changeset) Empty() bool {
	return len(c.Profiles) == 0 && len(c.Hospitals) == 0 && len(c.Donations) == 0 &&
		len(c.Requests) == 0 && len(c.Inventory) == 0 && len(c.Audit) == 0
}

// Committer persists changesets atomically.
type Committer interface {
	Commit(ctx context.Context, cs Changeset) error
}

// Snapshot is the full durable state loaded at startup.
type Snapshot struct {
	Profiles  []blood.Profile
	Hospitals []blood.Hospital
	Donations []blood.Donation
	Requests  []blood.Request
	Inventory []blood.InventoryLevel
	Audit     []audit.Entry
}

// Loader reads a Snapshot, audit entries ordered by sequence.
type Loader interface {
	Load(ctx context.Context) (Snapshot, error)
}

// Nop discards changesets; the engine then runs purely in memory.
type Nop struct{}

func (Nop) Commit(context.Context, Changeset) error { return nil }

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, cs Changeset) error

func (f CommitFunc) Commit(ctx context.Context, cs Changeset) error { return f(ctx, cs) }
