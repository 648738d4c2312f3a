package entity

import (
	"context"

	"github.com/google/uuid"

	"github.com/gregfielding/hrx-god-view-sub021/pkg/serrors"
)

var ErrNotFound = serrors.NewError("ENTITY_NOT_FOUND", "entity not found", "")

// Cursor is an opaque keyset-pagination position for full scans.
type Cursor struct {
	Kind Kind
	ID   uuid.UUID
}

func (c Cursor) Zero() bool {
	return c.Kind == "" && c.ID == uuid.Nil
}

// AliasScanResult is the outcome of a capped fallback scan for entities that
// reference a location without an owner pointer.
type AliasScanResult struct {
	Refs      []Ref
	Truncated bool
}

type Repository interface {
	// Save inserts the entity or updates its display fields and owner pointer.
	// The snapshot cache and structural relationships are never touched here.
	Save(ctx context.Context, rec *Record) error
	// Delete removes the entity row. Stale snapshots referencing it are cleaned
	// up by propagation and reconciliation, not here.
	Delete(ctx context.Context, kind Kind, id uuid.UUID) error
	Get(ctx context.Context, kind Kind, id uuid.UUID) (*Record, error)
	Exists(ctx context.Context, kind Kind, id uuid.UUID) (bool, error)
	// List pages every entity of the tenant in stable (kind, id) order.
	List(ctx context.Context, after Cursor, limit int) ([]*Record, Cursor, error)
	// MergeSnapshot writes one counterpart snapshot into the record's cache.
	// Writes older than the stored freshness marker are silently dropped.
	MergeSnapshot(ctx context.Context, kind Kind, id uuid.UUID, snapKind Kind, snap Snapshot) error
	RemoveSnapshot(ctx context.Context, kind Kind, id uuid.UUID, snapKind Kind, snapID uuid.UUID) error
	// ReplaceSnapshots overwrites the whole cache, used by reconciliation repair.
	ReplaceSnapshots(ctx context.Context, kind Kind, id uuid.UUID, set SnapshotSet) error
	// ResolveLocationOwner returns the owning company of a location, when known.
	ResolveLocationOwner(ctx context.Context, locationID uuid.UUID) (uuid.UUID, bool, error)
	// ScanLocationReferrers finds entities whose alias collections point at the
	// location. The scan stops at cap rows and reports truncation.
	ScanLocationReferrers(ctx context.Context, locationID uuid.UUID, cap int) (AliasScanResult, error)
	// ListOwnedLocations returns location ids whose owner pointer is the company.
	ListOwnedLocations(ctx context.Context, companyID uuid.UUID) ([]uuid.UUID, error)
	// ListAliasTargets returns location ids the entity references by alias.
	ListAliasTargets(ctx context.Context, ref Ref) ([]uuid.UUID, error)
}
