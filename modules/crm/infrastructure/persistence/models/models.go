package models

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

type Entity struct {
	TenantID       pgtype.UUID
	Kind           string
	ID             pgtype.UUID
	DisplayName    string
	Secondary      []byte
	OwnerCompanyID pgtype.UUID
	Relationships  []byte
	Snapshots      []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Association struct {
	ID                 pgtype.UUID
	TenantID           pgtype.UUID
	SourceKind         string
	SourceID           pgtype.UUID
	TargetKind         string
	TargetID           pgtype.UUID
	RelationType       string
	Strength           int32
	Metadata           []byte
	PendingCounterpart bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type EntityAlias struct {
	TenantID   pgtype.UUID
	AliasID    pgtype.UUID
	EntityKind string
	EntityID   pgtype.UUID
}
