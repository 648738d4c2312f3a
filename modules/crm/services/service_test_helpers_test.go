package services_test

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/company"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/outbox"
)

var testTenantID = uuid.MustParse("10000000-0000-0000-0000-000000000001")

// nopTx satisfies pgx.Tx so services run their transactional closures against
// the in-memory repositories without a database.
type nopTx struct{}

func (nopTx) Begin(_ context.Context) (pgx.Tx, error) { return nopTx{}, nil }
func (nopTx) Commit(_ context.Context) error          { return nil }
func (nopTx) Rollback(_ context.Context) error        { return nil }
func (nopTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (nopTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (nopTx) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (nopTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (nopTx) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (nopTx) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) { return nil, nil }
func (nopTx) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row        { return nil }
func (nopTx) Conn() *pgx.Conn                                               { return nil }

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx := composables.WithTenantID(context.Background(), testTenantID)
	return composables.WithTx(ctx, nopTx{})
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type memEntityRepo struct {
	mu      sync.Mutex
	records map[entity.Ref]*entity.Record
	// aliases maps an entity to the location ids it references by alias.
	aliases map[entity.Ref][]uuid.UUID
}

func newMemEntityRepo() *memEntityRepo {
	return &memEntityRepo{
		records: make(map[entity.Ref]*entity.Record),
		aliases: make(map[entity.Ref][]uuid.UUID),
	}
}

func (r *memEntityRepo) put(kind entity.Kind, id uuid.UUID, name string) *entity.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := entity.Ref{Kind: kind, ID: id}
	rec := &entity.Record{
		Ref:       ref,
		Display:   entity.DisplayFields{DisplayName: name},
		Snapshots: entity.SnapshotSet{},
		UpdatedAt: time.Now().UTC(),
	}
	r.records[ref] = rec
	return rec
}

func (r *memEntityRepo) Save(_ context.Context, rec *entity.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[rec.Ref]; ok {
		existing.Display = rec.Display
		existing.OwnerCompanyID = rec.OwnerCompanyID
		existing.UpdatedAt = time.Now().UTC()
		return nil
	}
	stored := *rec
	if stored.Snapshots == nil {
		stored.Snapshots = entity.SnapshotSet{}
	}
	stored.UpdatedAt = time.Now().UTC()
	r.records[rec.Ref] = &stored
	return nil
}

func (r *memEntityRepo) Delete(_ context.Context, kind entity.Kind, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := entity.Ref{Kind: kind, ID: id}
	if _, ok := r.records[ref]; !ok {
		return entity.ErrNotFound
	}
	delete(r.records, ref)
	return nil
}

func (r *memEntityRepo) Get(_ context.Context, kind entity.Kind, id uuid.UUID) (*entity.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[entity.Ref{Kind: kind, ID: id}]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return rec, nil
}

func (r *memEntityRepo) Exists(_ context.Context, kind entity.Kind, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[entity.Ref{Kind: kind, ID: id}]
	return ok, nil
}

func (r *memEntityRepo) List(_ context.Context, after entity.Cursor, limit int) ([]*entity.Record, entity.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*entity.Record, 0, len(r.records))
	for _, rec := range r.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Ref.Kind != all[j].Ref.Kind {
			return all[i].Ref.Kind < all[j].Ref.Kind
		}
		return all[i].Ref.ID.String() < all[j].Ref.ID.String()
	})

	var page []*entity.Record
	for _, rec := range all {
		if !after.Zero() {
			if rec.Ref.Kind < after.Kind {
				continue
			}
			if rec.Ref.Kind == after.Kind && rec.Ref.ID.String() <= after.ID.String() {
				continue
			}
		}
		page = append(page, rec)
		if len(page) == limit {
			break
		}
	}

	next := after
	if len(page) > 0 {
		last := page[len(page)-1]
		next = entity.Cursor{Kind: last.Ref.Kind, ID: last.Ref.ID}
	}
	return page, next, nil
}

func (r *memEntityRepo) MergeSnapshot(_ context.Context, kind entity.Kind, id uuid.UUID, snapKind entity.Kind, snap entity.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[entity.Ref{Kind: kind, ID: id}]
	if !ok {
		return entity.ErrNotFound
	}
	if rec.Snapshots == nil {
		rec.Snapshots = entity.SnapshotSet{}
	}
	rec.Snapshots.Put(snapKind, snap)
	return nil
}

func (r *memEntityRepo) RemoveSnapshot(_ context.Context, kind entity.Kind, id uuid.UUID, snapKind entity.Kind, snapID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[entity.Ref{Kind: kind, ID: id}]
	if !ok {
		return entity.ErrNotFound
	}
	rec.Snapshots.Remove(snapKind, snapID)
	return nil
}

func (r *memEntityRepo) ReplaceSnapshots(_ context.Context, kind entity.Kind, id uuid.UUID, set entity.SnapshotSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[entity.Ref{Kind: kind, ID: id}]
	if !ok {
		return entity.ErrNotFound
	}
	rec.Snapshots = set
	return nil
}

func (r *memEntityRepo) ResolveLocationOwner(_ context.Context, locationID uuid.UUID) (uuid.UUID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[entity.Ref{Kind: entity.KindLocation, ID: locationID}]
	if !ok {
		return uuid.Nil, false, entity.ErrNotFound
	}
	if rec.OwnerCompanyID == nil {
		return uuid.Nil, false, nil
	}
	return *rec.OwnerCompanyID, true, nil
}

func (r *memEntityRepo) ScanLocationReferrers(_ context.Context, locationID uuid.UUID, cap int) (entity.AliasScanResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result entity.AliasScanResult
	for ref, targets := range r.aliases {
		for _, target := range targets {
			if target != locationID {
				continue
			}
			if len(result.Refs) == cap {
				result.Truncated = true
				return result, nil
			}
			result.Refs = append(result.Refs, ref)
		}
	}
	return result, nil
}

func (r *memEntityRepo) ListOwnedLocations(_ context.Context, companyID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for ref, rec := range r.records {
		if ref.Kind == entity.KindLocation && rec.OwnerCompanyID != nil && *rec.OwnerCompanyID == companyID {
			out = append(out, ref.ID)
		}
	}
	return out, nil
}

func (r *memEntityRepo) ListAliasTargets(_ context.Context, ref entity.Ref) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aliases[ref], nil
}

type memAssociationRepo struct {
	mu    sync.Mutex
	edges map[association.Key]*association.Edge
}

func newMemAssociationRepo() *memAssociationRepo {
	return &memAssociationRepo{edges: make(map[association.Key]*association.Edge)}
}

func (r *memAssociationRepo) Upsert(_ context.Context, e *association.Edge) (*association.Edge, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.edges[e.Key()]; ok {
		updated, err := association.New(e.Key(),
			association.WithID(existing.ID()),
			association.WithStrength(e.Strength()),
			association.WithMetadata(e.Metadata()),
			association.WithPendingCounterpart(e.PendingCounterpart()),
			association.WithCreatedAt(existing.CreatedAt()),
		)
		if err != nil {
			return nil, false, err
		}
		r.edges[e.Key()] = updated
		return updated, false, nil
	}
	r.edges[e.Key()] = e
	return e, true, nil
}

func (r *memAssociationRepo) GetByKey(_ context.Context, key association.Key) (*association.Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[key]
	if !ok {
		return nil, association.ErrNotFound
	}
	return e, nil
}

func (r *memAssociationRepo) Delete(_ context.Context, key association.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.edges[key]; !ok {
		return association.ErrNotFound
	}
	delete(r.edges, key)
	return nil
}

func (r *memAssociationRepo) ListForEntity(_ context.Context, ref entity.Ref, filter association.ListFilter) ([]*association.Edge, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*association.Edge
	for _, e := range r.edges {
		if filter.Matches(e, ref) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memAssociationRepo) ListPendingCounterpart(_ context.Context, limit int) ([]*association.Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*association.Edge
	for _, e := range r.edges {
		if e.PendingCounterpart() {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memAssociationRepo) ClearPendingCounterpart(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.edges {
		if e.ID() != id {
			continue
		}
		cleared, err := association.New(key,
			association.WithID(e.ID()),
			association.WithStrength(e.Strength()),
			association.WithMetadata(e.Metadata()),
			association.WithPendingCounterpart(false),
			association.WithCreatedAt(e.CreatedAt()),
		)
		if err != nil {
			return err
		}
		r.edges[key] = cleared
		return nil
	}
	return association.ErrNotFound
}

type memCompanyRepo struct {
	mu   sync.Mutex
	rels map[uuid.UUID]*company.Relationships
}

func newMemCompanyRepo() *memCompanyRepo {
	return &memCompanyRepo{rels: make(map[uuid.UUID]*company.Relationships)}
}

func (r *memCompanyRepo) add(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rels[id]; !ok {
		r.rels[id] = &company.Relationships{}
	}
}

func (r *memCompanyRepo) GetRelationships(_ context.Context, companyID uuid.UUID) (*company.Relationships, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rels, ok := r.rels[companyID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	copied := *rels
	return &copied, nil
}

func (r *memCompanyRepo) SetRelationship(_ context.Context, sourceID, targetID uuid.UUID, relType association.RelationType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	source, ok := r.rels[sourceID]
	if !ok {
		return entity.ErrNotFound
	}
	target, ok := r.rels[targetID]
	if !ok {
		return entity.ErrNotFound
	}
	now := time.Now().UTC()
	if err := source.ApplyForward(relType, targetID, now); err != nil {
		return err
	}
	return target.ApplyReverse(relType, sourceID, now)
}

func (r *memCompanyRepo) RemoveRelationship(_ context.Context, sourceID, targetID uuid.UUID, relType association.RelationType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	source, ok := r.rels[sourceID]
	if !ok {
		return entity.ErrNotFound
	}
	target, ok := r.rels[targetID]
	if !ok {
		return entity.ErrNotFound
	}
	if err := source.RemoveForward(relType, targetID); err != nil {
		return err
	}
	return target.RemoveReverse(relType, sourceID)
}

type memPublisher struct {
	mu       sync.Mutex
	messages []outbox.Message
}

func (p *memPublisher) Enqueue(_ context.Context, _ composables.Tx, _ pgx.Identifier, msg outbox.Message) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return int64(len(p.messages)), nil
}

func (p *memPublisher) all() []outbox.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]outbox.Message, len(p.messages))
	copy(out, p.messages)
	return out
}
