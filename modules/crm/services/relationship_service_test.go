package services_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/company"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/events"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/services"
)

var (
	companyA = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	companyB = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
	companyC = uuid.MustParse("00000000-0000-0000-0000-0000000000c3")
)

func newRelationshipFixture(ids ...uuid.UUID) (*services.RelationshipService, *memCompanyRepo, *memPublisher) {
	companies := newMemCompanyRepo()
	for _, id := range ids {
		companies.add(id)
	}
	publisher := &memPublisher{}
	return services.NewRelationshipService(companies, publisher), companies, publisher
}

func TestSetRelationship_ParentIsBilateral(t *testing.T) {
	ctx := testCtx(t)
	svc, _, publisher := newRelationshipFixture(companyA, companyB)

	require.NoError(t, svc.SetRelationship(ctx, companyA, companyB, association.TypeParent, "test"))

	parent, err := svc.GetRelationships(ctx, companyA)
	require.NoError(t, err)
	require.Contains(t, parent.Children, companyB.String())

	child, err := svc.GetRelationships(ctx, companyB)
	require.NoError(t, err)
	require.NotNil(t, child.ParentCompany)
	require.Equal(t, companyA, *child.ParentCompany)

	msgs := publisher.all()
	require.Len(t, msgs, 1)
	var ev events.AssociationChangedV1
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	require.Equal(t, events.ChangeCreated, ev.ChangeType)
	require.Equal(t, "parent", ev.RelationType)
	require.Equal(t, "company", ev.SourceKind)
}

func TestSetRelationship_ChildDirectionMirrorsParent(t *testing.T) {
	ctx := testCtx(t)
	svc, _, _ := newRelationshipFixture(companyA, companyB)

	// "B is a child of A" declared from B's side
	require.NoError(t, svc.SetRelationship(ctx, companyB, companyA, association.TypeChild, "test"))

	child, err := svc.GetRelationships(ctx, companyB)
	require.NoError(t, err)
	require.NotNil(t, child.ParentCompany)
	require.Equal(t, companyA, *child.ParentCompany)

	parent, err := svc.GetRelationships(ctx, companyA)
	require.NoError(t, err)
	require.Contains(t, parent.Children, companyB.String())
}

func TestSetRelationship_RejectsSelf(t *testing.T) {
	ctx := testCtx(t)
	svc, _, publisher := newRelationshipFixture(companyA)

	err := svc.SetRelationship(ctx, companyA, companyA, association.TypeSibling, "test")
	require.ErrorIs(t, err, company.ErrSelfRelationship)
	require.Empty(t, publisher.all())
}

func TestSetRelationship_RejectsNonStructural(t *testing.T) {
	ctx := testCtx(t)
	svc, _, _ := newRelationshipFixture(companyA, companyB)

	err := svc.SetRelationship(ctx, companyA, companyB, association.TypeAssignment, "test")
	require.ErrorIs(t, err, company.ErrNotStructural)
}

func TestSetRelationship_RejectsDirectCycle(t *testing.T) {
	ctx := testCtx(t)
	svc, _, _ := newRelationshipFixture(companyA, companyB)

	require.NoError(t, svc.SetRelationship(ctx, companyA, companyB, association.TypeParent, "test"))

	err := svc.SetRelationship(ctx, companyB, companyA, association.TypeParent, "test")
	require.ErrorIs(t, err, company.ErrCycle)
}

func TestSetRelationship_RejectsTransitiveCycle(t *testing.T) {
	ctx := testCtx(t)
	svc, _, _ := newRelationshipFixture(companyA, companyB, companyC)

	require.NoError(t, svc.SetRelationship(ctx, companyA, companyB, association.TypeParent, "test"))
	require.NoError(t, svc.SetRelationship(ctx, companyB, companyC, association.TypeParent, "test"))

	// C is a grandchild of A; making C the parent of A closes a loop
	err := svc.SetRelationship(ctx, companyC, companyA, association.TypeParent, "test")
	require.ErrorIs(t, err, company.ErrCycle)
}

func TestSetRelationship_NewParentReplacesOld(t *testing.T) {
	ctx := testCtx(t)
	svc, _, _ := newRelationshipFixture(companyA, companyB, companyC)

	require.NoError(t, svc.SetRelationship(ctx, companyA, companyC, association.TypeParent, "test"))
	require.NoError(t, svc.SetRelationship(ctx, companyB, companyC, association.TypeParent, "test"))

	child, err := svc.GetRelationships(ctx, companyC)
	require.NoError(t, err)
	require.NotNil(t, child.ParentCompany)
	require.Equal(t, companyB, *child.ParentCompany)

	old, err := svc.GetRelationships(ctx, companyA)
	require.NoError(t, err)
	require.NotContains(t, old.Children, companyC.String())
}

func TestSetRelationship_ManagedService(t *testing.T) {
	ctx := testCtx(t)
	svc, _, _ := newRelationshipFixture(companyA, companyB)

	require.NoError(t, svc.SetRelationship(ctx, companyA, companyB, association.TypeManagedService, "test"))

	msp, err := svc.GetRelationships(ctx, companyA)
	require.NoError(t, err)
	require.Contains(t, msp.MSPClients, companyB.String())

	client, err := svc.GetRelationships(ctx, companyB)
	require.NoError(t, err)
	require.Contains(t, client.ManagedBy, companyA.String())
}

func TestRemoveRelationship_ClearsBothSides(t *testing.T) {
	ctx := testCtx(t)
	svc, _, publisher := newRelationshipFixture(companyA, companyB)

	require.NoError(t, svc.SetRelationship(ctx, companyA, companyB, association.TypeSibling, "test"))
	require.NoError(t, svc.RemoveRelationship(ctx, companyA, companyB, association.TypeSibling, "test"))

	a, err := svc.GetRelationships(ctx, companyA)
	require.NoError(t, err)
	require.Empty(t, a.Siblings)

	b, err := svc.GetRelationships(ctx, companyB)
	require.NoError(t, err)
	require.Empty(t, b.Siblings)

	msgs := publisher.all()
	require.Len(t, msgs, 2)
	var ev events.AssociationChangedV1
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &ev))
	require.Equal(t, events.ChangeDeleted, ev.ChangeType)
}
