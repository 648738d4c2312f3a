package association

import (
	"strings"

	"github.com/google/uuid"

	"github.com/gregfielding/hrx-god-view-sub021/pkg/constants"
)

type UpsertDTO struct {
	SourceKind   string         `json:"source_kind" validate:"required,oneof=company contact deal salesperson location"`
	SourceID     uuid.UUID      `json:"source_id" validate:"required"`
	TargetKind   string         `json:"target_kind" validate:"required,oneof=company contact deal salesperson location"`
	TargetID     uuid.UUID      `json:"target_id" validate:"required"`
	RelationType string         `json:"relation_type" validate:"required,oneof=assignment membership parent child sibling managed-service"`
	Strength     int            `json:"strength" validate:"gte=0,lte=100"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Actor        string         `json:"actor,omitempty"`
}

func (d *UpsertDTO) Normalize() {
	d.SourceKind = strings.TrimSpace(strings.ToLower(d.SourceKind))
	d.TargetKind = strings.TrimSpace(strings.ToLower(d.TargetKind))
	d.RelationType = strings.TrimSpace(strings.ToLower(d.RelationType))
	d.Actor = strings.TrimSpace(d.Actor)
}

func (d *UpsertDTO) Ok() error {
	d.Normalize()
	return constants.Validate.Struct(d)
}

type DeleteDTO struct {
	SourceKind   string    `json:"source_kind" validate:"required"`
	SourceID     uuid.UUID `json:"source_id" validate:"required"`
	TargetKind   string    `json:"target_kind" validate:"required"`
	TargetID     uuid.UUID `json:"target_id" validate:"required"`
	RelationType string    `json:"relation_type" validate:"required"`
	Actor        string    `json:"actor,omitempty"`
}

func (d *DeleteDTO) Normalize() {
	d.SourceKind = strings.TrimSpace(strings.ToLower(d.SourceKind))
	d.TargetKind = strings.TrimSpace(strings.ToLower(d.TargetKind))
	d.RelationType = strings.TrimSpace(strings.ToLower(d.RelationType))
	d.Actor = strings.TrimSpace(d.Actor)
}

func (d *DeleteDTO) Ok() error {
	d.Normalize()
	return constants.Validate.Struct(d)
}
