package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
)

// SnapshotQueryService is the read side of the snapshot cache: related-record
// reads come straight off the entity row, no joins.
type SnapshotQueryService struct {
	repo entity.Repository
}

func NewSnapshotQueryService(repo entity.Repository) *SnapshotQueryService {
	return &SnapshotQueryService{repo: repo}
}

func (s *SnapshotQueryService) GetSnapshots(ctx context.Context, kind entity.Kind, id uuid.UUID) (entity.SnapshotSet, error) {
	rec, err := s.repo.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return rec.Snapshots, nil
}

func (s *SnapshotQueryService) GetRecord(ctx context.Context, kind entity.Kind, id uuid.UUID) (*entity.Record, error) {
	return s.repo.Get(ctx, kind, id)
}
