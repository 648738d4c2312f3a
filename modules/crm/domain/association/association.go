package association

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/serrors"
)

// RelationType labels the semantics of an edge.
type RelationType string

const (
	TypeAssignment     RelationType = "assignment"
	TypeMembership     RelationType = "membership"
	TypeParent         RelationType = "parent"
	TypeChild          RelationType = "child"
	TypeSibling        RelationType = "sibling"
	TypeManagedService RelationType = "managed-service"
)

func (t RelationType) Valid() bool {
	switch t {
	case TypeAssignment, TypeMembership, TypeParent, TypeChild, TypeSibling, TypeManagedService:
		return true
	}
	return false
}

// Structural reports whether the type belongs to the company-to-company
// structural vocabulary managed by the relationship manager.
func (t RelationType) Structural() bool {
	switch t {
	case TypeParent, TypeChild, TypeSibling, TypeManagedService:
		return true
	}
	return false
}

var (
	ErrNotFound         = serrors.NewError("ASSOCIATION_NOT_FOUND", "association not found", "")
	ErrInvalidKind      = serrors.NewError("ASSOCIATION_INVALID_KIND", "invalid entity kind", "")
	ErrInvalidRelation  = serrors.NewError("ASSOCIATION_INVALID_RELATION", "invalid relation type", "")
	ErrInvalidDirection = serrors.NewError("ASSOCIATION_INVALID_DIRECTION", "invalid list direction", "")
)

// Direction selects which side of an edge the listed entity must occupy.
type Direction string

const (
	DirectionSource Direction = "source"
	DirectionTarget Direction = "target"
	DirectionBoth   Direction = "both"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionSource, DirectionTarget, DirectionBoth:
		return true
	}
	return false
}

// ListFilter narrows ListForEntity. The zero value matches every edge
// touching the entity from either side.
type ListFilter struct {
	RelationType RelationType
	Direction    Direction
}

func (f ListFilter) Normalize() (ListFilter, error) {
	if f.Direction == "" {
		f.Direction = DirectionBoth
	}
	if !f.Direction.Valid() {
		return f, ErrInvalidDirection
	}
	if f.RelationType != "" && !f.RelationType.Valid() {
		return f, ErrInvalidRelation
	}
	return f, nil
}

// Matches reports whether the edge satisfies the filter for ref.
func (f ListFilter) Matches(e *Edge, ref entity.Ref) bool {
	if f.RelationType != "" && e.RelationType() != f.RelationType {
		return false
	}
	isSource := e.key.SourceKind == ref.Kind && e.key.SourceID == ref.ID
	isTarget := e.key.TargetKind == ref.Kind && e.key.TargetID == ref.ID
	switch f.Direction {
	case DirectionSource:
		return isSource
	case DirectionTarget:
		return isTarget
	default:
		return isSource || isTarget
	}
}

// Key is the natural identity of an edge within a tenant. At most one edge
// exists per key; re-asserting it refreshes attributes instead of duplicating.
type Key struct {
	SourceKind   entity.Kind
	SourceID     uuid.UUID
	TargetKind   entity.Kind
	TargetID     uuid.UUID
	RelationType RelationType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s->%s/%s:%s", k.SourceKind, k.SourceID, k.TargetKind, k.TargetID, k.RelationType)
}

// Edge is a typed association between two entities.
type Edge struct {
	id                 uuid.UUID
	key                Key
	strength           int
	metadata           map[string]any
	pendingCounterpart bool
	createdAt          time.Time
	updatedAt          time.Time
}

type Option func(e *Edge)

func WithID(id uuid.UUID) Option {
	return func(e *Edge) {
		e.id = id
	}
}

func WithStrength(strength int) Option {
	return func(e *Edge) {
		e.strength = strength
	}
}

func WithMetadata(metadata map[string]any) Option {
	return func(e *Edge) {
		e.metadata = metadata
	}
}

func WithPendingCounterpart(pending bool) Option {
	return func(e *Edge) {
		e.pendingCounterpart = pending
	}
}

func WithCreatedAt(t time.Time) Option {
	return func(e *Edge) {
		e.createdAt = t
	}
}

func WithUpdatedAt(t time.Time) Option {
	return func(e *Edge) {
		e.updatedAt = t
	}
}

func New(key Key, opts ...Option) (*Edge, error) {
	if !key.SourceKind.Valid() || !key.TargetKind.Valid() {
		return nil, ErrInvalidKind
	}
	if !key.RelationType.Valid() {
		return nil, ErrInvalidRelation
	}
	now := time.Now().UTC()
	e := &Edge{
		id:        uuid.New(),
		key:       key,
		createdAt: now,
		updatedAt: now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Edge) ID() uuid.UUID {
	return e.id
}

func (e *Edge) Key() Key {
	return e.key
}

func (e *Edge) Source() entity.Ref {
	return entity.Ref{Kind: e.key.SourceKind, ID: e.key.SourceID}
}

func (e *Edge) Target() entity.Ref {
	return entity.Ref{Kind: e.key.TargetKind, ID: e.key.TargetID}
}

func (e *Edge) RelationType() RelationType {
	return e.key.RelationType
}

func (e *Edge) Strength() int {
	return e.strength
}

func (e *Edge) Metadata() map[string]any {
	return e.metadata
}

// PendingCounterpart marks an edge whose counterpart entity did not exist at
// creation time. Reconciliation clears it once the counterpart appears.
func (e *Edge) PendingCounterpart() bool {
	return e.pendingCounterpart
}

func (e *Edge) CreatedAt() time.Time {
	return e.createdAt
}

func (e *Edge) UpdatedAt() time.Time {
	return e.updatedAt
}

// Counterpart returns the opposite endpoint of the given entity on this edge.
func (e *Edge) Counterpart(ref entity.Ref) (entity.Ref, bool) {
	if e.key.SourceKind == ref.Kind && e.key.SourceID == ref.ID {
		return e.Target(), true
	}
	if e.key.TargetKind == ref.Kind && e.key.TargetID == ref.ID {
		return e.Source(), true
	}
	return entity.Ref{}, false
}
