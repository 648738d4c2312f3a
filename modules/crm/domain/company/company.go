package company

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/serrors"
)

var (
	ErrSelfRelationship = serrors.NewError("COMPANY_SELF_RELATIONSHIP", "a company cannot relate to itself", "")
	ErrCycle            = serrors.NewError("COMPANY_PARENT_CYCLE", "relationship would create a parent cycle", "")
	ErrNotStructural    = serrors.NewError("COMPANY_NOT_STRUCTURAL", "relation type is not structural", "")
)

// MaxAncestorDepth bounds the parent-chain walk during cycle detection.
const MaxAncestorDepth = 32

// Link records one side of a structural relationship.
type Link struct {
	ID       uuid.UUID `json:"id"`
	LinkedAt time.Time `json:"linkedAt"`
}

// Relationships holds a company's structural relations to other companies.
// Every relation is bilateral: each entry here has a mirrored entry on the
// other company.
type Relationships struct {
	ParentCompany *uuid.UUID      `json:"parentCompany,omitempty"`
	Children      map[string]Link `json:"children,omitempty"`
	Siblings      map[string]Link `json:"siblings,omitempty"`
	// MSPClients are companies this company manages as a service provider.
	MSPClients map[string]Link `json:"mspClients,omitempty"`
	// ManagedBy is the reverse side of MSPClients.
	ManagedBy map[string]Link `json:"managedBy,omitempty"`
}

func put(m map[string]Link, id uuid.UUID, at time.Time) map[string]Link {
	if m == nil {
		m = make(map[string]Link)
	}
	m[id.String()] = Link{ID: id, LinkedAt: at.UTC()}
	return m
}

func drop(m map[string]Link, id uuid.UUID) map[string]Link {
	delete(m, id.String())
	if len(m) == 0 {
		return nil
	}
	return m
}

// ApplyForward records the source side of "source --relType--> target".
func (r *Relationships) ApplyForward(relType association.RelationType, targetID uuid.UUID, at time.Time) error {
	switch relType {
	case association.TypeParent:
		// source is parent of target
		r.Children = put(r.Children, targetID, at)
	case association.TypeChild:
		id := targetID
		r.ParentCompany = &id
	case association.TypeSibling:
		r.Siblings = put(r.Siblings, targetID, at)
	case association.TypeManagedService:
		r.MSPClients = put(r.MSPClients, targetID, at)
	default:
		return ErrNotStructural
	}
	return nil
}

// ApplyReverse records the target side of "source --relType--> target".
func (r *Relationships) ApplyReverse(relType association.RelationType, sourceID uuid.UUID, at time.Time) error {
	switch relType {
	case association.TypeParent:
		id := sourceID
		r.ParentCompany = &id
	case association.TypeChild:
		r.Children = put(r.Children, sourceID, at)
	case association.TypeSibling:
		r.Siblings = put(r.Siblings, sourceID, at)
	case association.TypeManagedService:
		r.ManagedBy = put(r.ManagedBy, sourceID, at)
	default:
		return ErrNotStructural
	}
	return nil
}

func (r *Relationships) RemoveForward(relType association.RelationType, targetID uuid.UUID) error {
	switch relType {
	case association.TypeParent:
		r.Children = drop(r.Children, targetID)
	case association.TypeChild:
		if r.ParentCompany != nil && *r.ParentCompany == targetID {
			r.ParentCompany = nil
		}
	case association.TypeSibling:
		r.Siblings = drop(r.Siblings, targetID)
	case association.TypeManagedService:
		r.MSPClients = drop(r.MSPClients, targetID)
	default:
		return ErrNotStructural
	}
	return nil
}

func (r *Relationships) RemoveReverse(relType association.RelationType, sourceID uuid.UUID) error {
	switch relType {
	case association.TypeParent:
		if r.ParentCompany != nil && *r.ParentCompany == sourceID {
			r.ParentCompany = nil
		}
	case association.TypeChild:
		r.Children = drop(r.Children, sourceID)
	case association.TypeSibling:
		r.Siblings = drop(r.Siblings, sourceID)
	case association.TypeManagedService:
		r.ManagedBy = drop(r.ManagedBy, sourceID)
	default:
		return ErrNotStructural
	}
	return nil
}

// Related returns the ids of every company appearing in any relation field.
func (r *Relationships) Related() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if r.ParentCompany != nil {
		add(*r.ParentCompany)
	}
	for _, m := range []map[string]Link{r.Children, r.Siblings, r.MSPClients, r.ManagedBy} {
		for _, link := range m {
			add(link.ID)
		}
	}
	return out
}

type Repository interface {
	GetRelationships(ctx context.Context, companyID uuid.UUID) (*Relationships, error)
	// SetRelationship writes both sides of "source --relType--> target" in one
	// transaction. Either both companies are updated or neither is.
	SetRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType association.RelationType) error
	RemoveRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType association.RelationType) error
}
