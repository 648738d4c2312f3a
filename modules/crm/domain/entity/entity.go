package entity

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Kind is one of the closed set of business entity kinds.
type Kind string

const (
	KindCompany     Kind = "company"
	KindContact     Kind = "contact"
	KindDeal        Kind = "deal"
	KindSalesperson Kind = "salesperson"
	KindLocation    Kind = "location"
)

func Kinds() []Kind {
	return []Kind{KindCompany, KindContact, KindDeal, KindSalesperson, KindLocation}
}

func (k Kind) Valid() bool {
	switch k {
	case KindCompany, KindContact, KindDeal, KindSalesperson, KindLocation:
		return true
	}
	return false
}

// Ref identifies an entity within a tenant.
type Ref struct {
	Kind Kind
	ID   uuid.UUID
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// DisplayFields is the denormalizable surface of an entity: the fields other
// entities embed as snapshots.
type DisplayFields struct {
	DisplayName string            `json:"displayName"`
	Secondary   map[string]string `json:"secondary,omitempty"`
}

// Hash is a stable content hash over the display fields. Secondary keys are
// folded in sorted order so equal content always hashes equal.
func (f DisplayFields) Hash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(f.DisplayName)
	_, _ = h.WriteString("\x00")
	keys := make([]string, 0, len(f.Secondary))
	for k := range f.Secondary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("\x01")
		_, _ = h.WriteString(f.Secondary[k])
		_, _ = h.WriteString("\x00")
	}
	return h.Sum64()
}

// Snapshot is a cached copy of a counterpart's display fields, embedded on an
// entity record for O(1) "related records" reads. It is a cache, never a
// source of truth.
type Snapshot struct {
	ID           uuid.UUID         `json:"id"`
	DisplayName  string            `json:"displayName"`
	Secondary    map[string]string `json:"secondary,omitempty"`
	LastSyncedAt time.Time         `json:"lastSyncedAt"`
}

func NewSnapshot(id uuid.UUID, fields DisplayFields, syncedAt time.Time) Snapshot {
	return Snapshot{
		ID:           id,
		DisplayName:  fields.DisplayName,
		Secondary:    fields.Secondary,
		LastSyncedAt: syncedAt.UTC(),
	}
}

// ContentEqual ignores the freshness marker.
func (s Snapshot) ContentEqual(other Snapshot) bool {
	if s.ID != other.ID || s.DisplayName != other.DisplayName {
		return false
	}
	if len(s.Secondary) != len(other.Secondary) {
		return false
	}
	for k, v := range s.Secondary {
		if other.Secondary[k] != v {
			return false
		}
	}
	return true
}

// SnapshotSet maps counterpart kind -> counterpart id -> snapshot. Keyed by id
// so re-applying the same update is idempotent and the set stays bounded by
// true relationship cardinality.
type SnapshotSet map[Kind]map[string]Snapshot

func (s SnapshotSet) Get(kind Kind, id uuid.UUID) (Snapshot, bool) {
	byID, ok := s[kind]
	if !ok {
		return Snapshot{}, false
	}
	snap, ok := byID[id.String()]
	return snap, ok
}

// Put merges the snapshot in, rejecting stale updates by freshness marker so
// concurrent merges commute.
func (s SnapshotSet) Put(kind Kind, snap Snapshot) bool {
	byID, ok := s[kind]
	if !ok {
		byID = make(map[string]Snapshot)
		s[kind] = byID
	}
	if existing, ok := byID[snap.ID.String()]; ok && existing.LastSyncedAt.After(snap.LastSyncedAt) {
		return false
	}
	byID[snap.ID.String()] = snap
	return true
}

func (s SnapshotSet) Remove(kind Kind, id uuid.UUID) bool {
	byID, ok := s[kind]
	if !ok {
		return false
	}
	if _, ok := byID[id.String()]; !ok {
		return false
	}
	delete(byID, id.String())
	if len(byID) == 0 {
		delete(s, kind)
	}
	return true
}

func (s SnapshotSet) Len() int {
	n := 0
	for _, byID := range s {
		n += len(byID)
	}
	return n
}

// MarshalCanonical serializes the set with deterministic ordering, for diffs.
func (s SnapshotSet) MarshalCanonical() ([]byte, error) {
	return json.Marshal(s)
}

// Record is an entity as the engine sees it: current display fields plus the
// snapshot cache. The engine writes back only the snapshots sub-structure.
type Record struct {
	Ref            Ref
	Display        DisplayFields
	Snapshots      SnapshotSet
	OwnerCompanyID *uuid.UUID // set for locations nested under a company
	UpdatedAt      time.Time
}
