package handlers

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/company"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/events"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/eventbus"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/outbox"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/stormguard"
)

var testTenantID = uuid.MustParse("10000000-0000-0000-0000-000000000001")

// fakeEntityRepo implements only the methods propagation touches; the embedded
// interface panics on anything else.
type fakeEntityRepo struct {
	entity.Repository
	records map[entity.Ref]*entity.Record
	// aliasReferrers backs the capped fallback scan for unowned locations.
	aliasReferrers map[uuid.UUID][]entity.Ref
	mergeCalls     int
}

func newFakeEntityRepo() *fakeEntityRepo {
	return &fakeEntityRepo{
		records:        make(map[entity.Ref]*entity.Record),
		aliasReferrers: make(map[uuid.UUID][]entity.Ref),
	}
}

func (r *fakeEntityRepo) put(kind entity.Kind, id uuid.UUID, name string) *entity.Record {
	ref := entity.Ref{Kind: kind, ID: id}
	rec := &entity.Record{
		Ref:       ref,
		Display:   entity.DisplayFields{DisplayName: name},
		Snapshots: entity.SnapshotSet{},
	}
	r.records[ref] = rec
	return rec
}

func (r *fakeEntityRepo) Get(_ context.Context, kind entity.Kind, id uuid.UUID) (*entity.Record, error) {
	rec, ok := r.records[entity.Ref{Kind: kind, ID: id}]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return rec, nil
}

func (r *fakeEntityRepo) MergeSnapshot(_ context.Context, kind entity.Kind, id uuid.UUID, snapKind entity.Kind, snap entity.Snapshot) error {
	rec, ok := r.records[entity.Ref{Kind: kind, ID: id}]
	if !ok {
		return entity.ErrNotFound
	}
	r.mergeCalls++
	rec.Snapshots.Put(snapKind, snap)
	return nil
}

func (r *fakeEntityRepo) RemoveSnapshot(_ context.Context, kind entity.Kind, id uuid.UUID, snapKind entity.Kind, snapID uuid.UUID) error {
	rec, ok := r.records[entity.Ref{Kind: kind, ID: id}]
	if !ok {
		return entity.ErrNotFound
	}
	rec.Snapshots.Remove(snapKind, snapID)
	return nil
}

func (r *fakeEntityRepo) ResolveLocationOwner(_ context.Context, locationID uuid.UUID) (uuid.UUID, bool, error) {
	rec, ok := r.records[entity.Ref{Kind: entity.KindLocation, ID: locationID}]
	if !ok {
		return uuid.Nil, false, entity.ErrNotFound
	}
	if rec.OwnerCompanyID == nil {
		return uuid.Nil, false, nil
	}
	return *rec.OwnerCompanyID, true, nil
}

func (r *fakeEntityRepo) ScanLocationReferrers(_ context.Context, locationID uuid.UUID, cap int) (entity.AliasScanResult, error) {
	refs := r.aliasReferrers[locationID]
	if len(refs) > cap {
		return entity.AliasScanResult{Refs: refs[:cap], Truncated: true}, nil
	}
	return entity.AliasScanResult{Refs: refs}, nil
}

type fakeAssociationRepo struct {
	association.Repository
	edges []*association.Edge
}

func (r *fakeAssociationRepo) link(t *testing.T, source, target entity.Ref) {
	t.Helper()
	edge, err := association.New(association.Key{
		SourceKind:   source.Kind,
		SourceID:     source.ID,
		TargetKind:   target.Kind,
		TargetID:     target.ID,
		RelationType: association.TypeMembership,
	})
	require.NoError(t, err)
	r.edges = append(r.edges, edge)
}

func (r *fakeAssociationRepo) unlink(source, target entity.Ref) {
	kept := r.edges[:0]
	for _, e := range r.edges {
		if e.Source() == source && e.Target() == target {
			continue
		}
		kept = append(kept, e)
	}
	r.edges = kept
}

func (r *fakeAssociationRepo) ListForEntity(_ context.Context, ref entity.Ref, filter association.ListFilter) ([]*association.Edge, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	var out []*association.Edge
	for _, e := range r.edges {
		if filter.Matches(e, ref) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeCompanyRepo struct {
	company.Repository
	rels map[uuid.UUID]*company.Relationships
}

func (r *fakeCompanyRepo) GetRelationships(_ context.Context, companyID uuid.UUID) (*company.Relationships, error) {
	rels, ok := r.rels[companyID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return rels, nil
}

type handlerFixture struct {
	handler   *PropagationHandler
	entities  *fakeEntityRepo
	edges     *fakeAssociationRepo
	companies *fakeCompanyRepo
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	guard := stormguard.New(
		stormguard.NewMemoryRecordStore(clockwork.NewRealClock()),
		memorystore.NewStore(),
		stormguard.Settings{MinInterval: time.Nanosecond},
		logrus.NewEntry(log),
	)

	entities := newFakeEntityRepo()
	edges := &fakeAssociationRepo{}
	companies := &fakeCompanyRepo{rels: make(map[uuid.UUID]*company.Relationships)}

	h := RegisterPropagationHandler(
		eventbus.NewEventPublisherWithError(log),
		nil,
		entities,
		edges,
		companies,
		guard,
		logrus.NewEntry(log),
		PropagationConfig{AliasScanCap: 2},
	)
	return &handlerFixture{handler: h, entities: entities, edges: edges, companies: companies}
}

func (f *handlerFixture) deliver(t *testing.T, topic string, ev any) error {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return f.handler.handleOutboxEvent(&outbox.Meta{TenantID: testTenantID, Topic: topic}, topic, payload)
}

func entityChanged(kind entity.Kind, id uuid.UUID, before, after *events.DisplayV1) events.EntityChangedV1 {
	return events.EntityChangedV1{
		EventID:    uuid.New(),
		TenantID:   testTenantID,
		OccurredAt: time.Now().UTC(),
		EntityKind: string(kind),
		EntityID:   id,
		Before:     before,
		After:      after,
	}
}

func TestEntityChanged_PropagatesToEdgeAndStructuralCounterparts(t *testing.T) {
	f := newHandlerFixture(t)

	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	siblingID := uuid.MustParse("00000000-0000-0000-0000-000000000003")
	f.entities.put(entity.KindCompany, companyID, "Acme Corporation")
	contact := f.entities.put(entity.KindContact, contactID, "Pat Jones")
	sibling := f.entities.put(entity.KindCompany, siblingID, "Acme West")

	f.edges.link(t, entity.Ref{Kind: entity.KindContact, ID: contactID}, entity.Ref{Kind: entity.KindCompany, ID: companyID})
	f.companies.rels[companyID] = &company.Relationships{}
	require.NoError(t, f.companies.rels[companyID].ApplyForward(association.TypeSibling, siblingID, time.Now().UTC()))

	ev := entityChanged(entity.KindCompany, companyID,
		&events.DisplayV1{DisplayName: "Acme Corp"},
		&events.DisplayV1{DisplayName: "Acme Corporation"})
	require.NoError(t, f.deliver(t, events.TopicEntityChangedV1, ev))

	snap, ok := contact.Snapshots.Get(entity.KindCompany, companyID)
	require.True(t, ok)
	require.Equal(t, "Acme Corporation", snap.DisplayName)

	snap, ok = sibling.Snapshots.Get(entity.KindCompany, companyID)
	require.True(t, ok)
	require.Equal(t, "Acme Corporation", snap.DisplayName)
}

func TestEntityChanged_UnchangedDisplaySkipsWrites(t *testing.T) {
	f := newHandlerFixture(t)

	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	f.entities.put(entity.KindCompany, companyID, "Acme Corp")
	f.entities.put(entity.KindContact, contactID, "Pat Jones")
	f.edges.link(t, entity.Ref{Kind: entity.KindContact, ID: contactID}, entity.Ref{Kind: entity.KindCompany, ID: companyID})

	same := &events.DisplayV1{DisplayName: "Acme Corp", Secondary: map[string]string{"city": "Austin"}}
	ev := entityChanged(entity.KindCompany, companyID, same, same)
	require.NoError(t, f.deliver(t, events.TopicEntityChangedV1, ev))

	require.Equal(t, 0, f.entities.mergeCalls)
}

func TestEntityChanged_GuardSuppressesRedelivery(t *testing.T) {
	f := newHandlerFixture(t)

	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	f.entities.put(entity.KindCompany, companyID, "Acme Corporation")
	f.entities.put(entity.KindContact, contactID, "Pat Jones")
	f.edges.link(t, entity.Ref{Kind: entity.KindContact, ID: contactID}, entity.Ref{Kind: entity.KindCompany, ID: companyID})

	ev := entityChanged(entity.KindCompany, companyID,
		&events.DisplayV1{DisplayName: "Acme Corp"},
		&events.DisplayV1{DisplayName: "Acme Corporation"})

	require.NoError(t, f.deliver(t, events.TopicEntityChangedV1, ev))
	require.Equal(t, 1, f.entities.mergeCalls)

	// redelivered event carries the same payload hash, the guard absorbs it
	require.NoError(t, f.deliver(t, events.TopicEntityChangedV1, ev))
	require.Equal(t, 1, f.entities.mergeCalls)
}

func TestEntityDeleted_RemovesCounterpartSnapshots(t *testing.T) {
	f := newHandlerFixture(t)

	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	f.entities.put(entity.KindCompany, companyID, "Acme Corp")
	contact := f.entities.put(entity.KindContact, contactID, "Pat Jones")
	contact.Snapshots.Put(entity.KindCompany,
		entity.NewSnapshot(companyID, entity.DisplayFields{DisplayName: "Acme Corp"}, time.Now().UTC()))
	f.edges.link(t, entity.Ref{Kind: entity.KindContact, ID: contactID}, entity.Ref{Kind: entity.KindCompany, ID: companyID})

	ev := entityChanged(entity.KindCompany, companyID, &events.DisplayV1{DisplayName: "Acme Corp"}, nil)
	require.NoError(t, f.deliver(t, events.TopicEntityChangedV1, ev))

	_, ok := contact.Snapshots.Get(entity.KindCompany, companyID)
	require.False(t, ok)
}

func associationChanged(changeType string, source, target entity.Ref) events.AssociationChangedV1 {
	return events.AssociationChangedV1{
		EventID:      uuid.New(),
		TenantID:     testTenantID,
		OccurredAt:   time.Now().UTC(),
		ChangeType:   changeType,
		SourceKind:   string(source.Kind),
		SourceID:     source.ID,
		TargetKind:   string(target.Kind),
		TargetID:     target.ID,
		RelationType: string(association.TypeMembership),
	}
}

func TestAssociationCreated_SeedsBothSnapshots(t *testing.T) {
	f := newHandlerFixture(t)

	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	contact := f.entities.put(entity.KindContact, contactID, "Pat Jones")
	companyRec := f.entities.put(entity.KindCompany, companyID, "Acme Corp")

	contactRef := entity.Ref{Kind: entity.KindContact, ID: contactID}
	companyRef := entity.Ref{Kind: entity.KindCompany, ID: companyID}
	require.NoError(t, f.deliver(t, events.TopicAssociationChangedV1, associationChanged(events.ChangeCreated, contactRef, companyRef)))

	snap, ok := contact.Snapshots.Get(entity.KindCompany, companyID)
	require.True(t, ok)
	require.Equal(t, "Acme Corp", snap.DisplayName)

	snap, ok = companyRec.Snapshots.Get(entity.KindContact, contactID)
	require.True(t, ok)
	require.Equal(t, "Pat Jones", snap.DisplayName)
}

func TestAssociationCreated_MissingEndpointIsNotAnError(t *testing.T) {
	f := newHandlerFixture(t)

	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	contact := f.entities.put(entity.KindContact, contactID, "Pat Jones")

	contactRef := entity.Ref{Kind: entity.KindContact, ID: contactID}
	companyRef := entity.Ref{Kind: entity.KindCompany, ID: companyID}
	require.NoError(t, f.deliver(t, events.TopicAssociationChangedV1, associationChanged(events.ChangeCreated, contactRef, companyRef)))

	require.Equal(t, 0, contact.Snapshots.Len())
}

func TestAssociationDeleted_ClearsSnapshotsWhenLastLink(t *testing.T) {
	f := newHandlerFixture(t)

	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	contact := f.entities.put(entity.KindContact, contactID, "Pat Jones")
	companyRec := f.entities.put(entity.KindCompany, companyID, "Acme Corp")

	now := time.Now().UTC()
	contact.Snapshots.Put(entity.KindCompany, entity.NewSnapshot(companyID, companyRec.Display, now))
	companyRec.Snapshots.Put(entity.KindContact, entity.NewSnapshot(contactID, contact.Display, now))

	contactRef := entity.Ref{Kind: entity.KindContact, ID: contactID}
	companyRef := entity.Ref{Kind: entity.KindCompany, ID: companyID}
	require.NoError(t, f.deliver(t, events.TopicAssociationChangedV1, associationChanged(events.ChangeDeleted, contactRef, companyRef)))

	require.Equal(t, 0, contact.Snapshots.Len())
	require.Equal(t, 0, companyRec.Snapshots.Len())
}

func TestAssociationDeleted_KeepsSnapshotWhileStillConnected(t *testing.T) {
	f := newHandlerFixture(t)

	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	contact := f.entities.put(entity.KindContact, contactID, "Pat Jones")
	companyRec := f.entities.put(entity.KindCompany, companyID, "Acme Corp")

	now := time.Now().UTC()
	contact.Snapshots.Put(entity.KindCompany, entity.NewSnapshot(companyID, companyRec.Display, now))
	companyRec.Snapshots.Put(entity.KindContact, entity.NewSnapshot(contactID, contact.Display, now))

	// a second live edge still connects the pair
	contactRef := entity.Ref{Kind: entity.KindContact, ID: contactID}
	companyRef := entity.Ref{Kind: entity.KindCompany, ID: companyID}
	f.edges.link(t, contactRef, companyRef)

	require.NoError(t, f.deliver(t, events.TopicAssociationChangedV1, associationChanged(events.ChangeDeleted, contactRef, companyRef)))

	require.Equal(t, 1, contact.Snapshots.Len())
	require.Equal(t, 1, companyRec.Snapshots.Len())
}

func TestLocationChanged_PropagatesToOwnerCompany(t *testing.T) {
	f := newHandlerFixture(t)

	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	locationID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	companyRec := f.entities.put(entity.KindCompany, companyID, "Acme Corp")
	location := f.entities.put(entity.KindLocation, locationID, "Austin Warehouse")
	owner := companyID
	location.OwnerCompanyID = &owner

	ev := entityChanged(entity.KindLocation, locationID,
		&events.DisplayV1{DisplayName: "Warehouse"},
		&events.DisplayV1{DisplayName: "Austin Warehouse"})
	require.NoError(t, f.deliver(t, events.TopicEntityChangedV1, ev))

	snap, ok := companyRec.Snapshots.Get(entity.KindLocation, locationID)
	require.True(t, ok)
	require.Equal(t, "Austin Warehouse", snap.DisplayName)
}

func TestLocationChanged_FallsBackToAliasScan(t *testing.T) {
	f := newHandlerFixture(t)

	locationID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	dealID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	f.entities.put(entity.KindLocation, locationID, "Austin Warehouse")
	deal := f.entities.put(entity.KindDeal, dealID, "Warehouse Lease")
	f.entities.aliasReferrers[locationID] = []entity.Ref{{Kind: entity.KindDeal, ID: dealID}}

	ev := entityChanged(entity.KindLocation, locationID,
		&events.DisplayV1{DisplayName: "Warehouse"},
		&events.DisplayV1{DisplayName: "Austin Warehouse"})
	require.NoError(t, f.deliver(t, events.TopicEntityChangedV1, ev))

	snap, ok := deal.Snapshots.Get(entity.KindLocation, locationID)
	require.True(t, ok)
	require.Equal(t, "Austin Warehouse", snap.DisplayName)
}

func TestAssociationRecreated_ReseedsSnapshots(t *testing.T) {
	f := newHandlerFixture(t)

	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	contact := f.entities.put(entity.KindContact, contactID, "Pat Jones")
	companyRec := f.entities.put(entity.KindCompany, companyID, "Acme Corp")

	contactRef := entity.Ref{Kind: entity.KindContact, ID: contactID}
	companyRef := entity.Ref{Kind: entity.KindCompany, ID: companyID}

	f.edges.link(t, contactRef, companyRef)
	require.NoError(t, f.deliver(t, events.TopicAssociationChangedV1, associationChanged(events.ChangeCreated, contactRef, companyRef)))
	require.Equal(t, 1, contact.Snapshots.Len())

	f.edges.unlink(contactRef, companyRef)
	require.NoError(t, f.deliver(t, events.TopicAssociationChangedV1, associationChanged(events.ChangeDeleted, contactRef, companyRef)))
	require.Equal(t, 0, contact.Snapshots.Len())
	require.Equal(t, 0, companyRec.Snapshots.Len())

	// the same edge recreated right away must re-seed even though the payload
	// hash matches the earlier write
	f.edges.link(t, contactRef, companyRef)
	require.NoError(t, f.deliver(t, events.TopicAssociationChangedV1, associationChanged(events.ChangeCreated, contactRef, companyRef)))

	snap, ok := contact.Snapshots.Get(entity.KindCompany, companyID)
	require.True(t, ok)
	require.Equal(t, "Acme Corp", snap.DisplayName)

	snap, ok = companyRec.Snapshots.Get(entity.KindContact, contactID)
	require.True(t, ok)
	require.Equal(t, "Pat Jones", snap.DisplayName)
}

func TestEntityChanged_GuardRecordsAreTenantScoped(t *testing.T) {
	f := newHandlerFixture(t)

	companyID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	contactID := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	f.entities.put(entity.KindCompany, companyID, "Acme Corporation")
	f.entities.put(entity.KindContact, contactID, "Pat Jones")
	f.edges.link(t, entity.Ref{Kind: entity.KindContact, ID: contactID}, entity.Ref{Kind: entity.KindCompany, ID: companyID})

	ev := entityChanged(entity.KindCompany, companyID,
		&events.DisplayV1{DisplayName: "Acme Corp"},
		&events.DisplayV1{DisplayName: "Acme Corporation"})
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, f.handler.handleOutboxEvent(&outbox.Meta{TenantID: testTenantID, Topic: events.TopicEntityChangedV1}, events.TopicEntityChangedV1, payload))
	require.Equal(t, 1, f.entities.mergeCalls)

	// the same refs under another tenant must not share the dedupe record
	otherTenant := uuid.MustParse("20000000-0000-0000-0000-000000000002")
	require.NoError(t, f.handler.handleOutboxEvent(&outbox.Meta{TenantID: otherTenant, Topic: events.TopicEntityChangedV1}, events.TopicEntityChangedV1, payload))
	require.Equal(t, 2, f.entities.mergeCalls)
}

func TestUnknownTopicIsIgnored(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.handler.handleOutboxEvent(&outbox.Meta{TenantID: testTenantID}, "crm.unknown.v1", json.RawMessage(`{}`)))
}
