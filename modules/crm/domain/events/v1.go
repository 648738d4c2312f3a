package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TopicEntityChangedV1      = "crm.entity.changed.v1"
	TopicAssociationChangedV1 = "crm.association.changed.v1"
)

const (
	ChangeCreated = "created"
	ChangeDeleted = "deleted"
)

// DisplayV1 carries the denormalizable fields of an entity at a point in time.
type DisplayV1 struct {
	DisplayName string            `json:"displayName"`
	Secondary   map[string]string `json:"secondary,omitempty"`
}

// EntityChangedV1 is emitted when an entity's display fields change.
type EntityChangedV1 struct {
	EventID    uuid.UUID  `json:"event_id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	OccurredAt time.Time  `json:"occurred_at"`
	Actor      string     `json:"actor,omitempty"`
	EntityKind string     `json:"entity_kind"`
	EntityID   uuid.UUID  `json:"entity_id"`
	Before     *DisplayV1 `json:"before,omitempty"`
	After      *DisplayV1 `json:"after,omitempty"`
	// Urgency ranks the change for degraded-mode triage. Higher is sooner.
	Urgency int `json:"urgency,omitempty"`
}

// AssociationChangedV1 is emitted when an edge is created or deleted, including
// structural company relations.
type AssociationChangedV1 struct {
	EventID      uuid.UUID `json:"event_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	OccurredAt   time.Time `json:"occurred_at"`
	Actor        string    `json:"actor,omitempty"`
	ChangeType   string    `json:"change_type"`
	SourceKind   string    `json:"source_kind"`
	SourceID     uuid.UUID `json:"source_id"`
	TargetKind   string    `json:"target_kind"`
	TargetID     uuid.UUID `json:"target_id"`
	RelationType string    `json:"relation_type"`
}
