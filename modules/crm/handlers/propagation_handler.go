package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/company"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/events"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/eventbus"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/outbox"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/stormguard"
)

// ActorName identifies this handler to the storm guard denylist.
const ActorName = "crm_propagator"

type PropagationConfig struct {
	// Timeout bounds one propagation round; a partial round is completed by
	// reconciliation, not by blocking the relay.
	Timeout time.Duration
	// AliasScanCap bounds the fallback referrer scan for locations without an
	// owner pointer.
	AliasScanCap int
}

// PropagationHandler fans entity and association changes out into counterpart
// snapshot caches. Every write passes through the storm guard first.
type PropagationHandler struct {
	pool         *pgxpool.Pool
	entities     entity.Repository
	associations association.Repository
	companies    company.Repository
	guard        *stormguard.Guard
	log          *logrus.Entry
	tracer       trace.Tracer
	cfg          PropagationConfig
}

func RegisterPropagationHandler(
	bus eventbus.EventBusWithError,
	pool *pgxpool.Pool,
	entities entity.Repository,
	associations association.Repository,
	companies company.Repository,
	guard *stormguard.Guard,
	log *logrus.Entry,
	cfg PropagationConfig,
) *PropagationHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AliasScanCap <= 0 {
		cfg.AliasScanCap = 500
	}
	h := &PropagationHandler{
		pool:         pool,
		entities:     entities,
		associations: associations,
		companies:    companies,
		guard:        guard,
		log:          log.WithField("component", "crm.propagation"),
		tracer:       otel.Tracer("crm.propagation"),
		cfg:          cfg,
	}
	bus.Subscribe(h.handleOutboxEvent)
	return h
}

func (h *PropagationHandler) handleOutboxEvent(meta *outbox.Meta, topic string, payload json.RawMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Timeout)
	defer cancel()
	ctx = composables.WithPool(ctx, h.pool)
	ctx = composables.WithTenantID(ctx, meta.TenantID)

	switch topic {
	case events.TopicEntityChangedV1:
		var ev events.EntityChangedV1
		if err := json.Unmarshal(payload, &ev); err != nil {
			return gerrors.Wrap(err, "failed to decode entity event")
		}
		return h.onEntityChanged(ctx, &ev)
	case events.TopicAssociationChangedV1:
		var ev events.AssociationChangedV1
		if err := json.Unmarshal(payload, &ev); err != nil {
			return gerrors.Wrap(err, "failed to decode association event")
		}
		return h.onAssociationChanged(ctx, &ev)
	default:
		return nil
	}
}

func (h *PropagationHandler) onEntityChanged(ctx context.Context, ev *events.EntityChangedV1) error {
	ctx, span := h.tracer.Start(ctx, "propagate.entity_changed",
		trace.WithAttributes(
			attribute.String("entity.kind", ev.EntityKind),
			attribute.String("entity.id", ev.EntityID.String()),
		))
	defer span.End()

	ref := entity.Ref{Kind: entity.Kind(ev.EntityKind), ID: ev.EntityID}

	if ev.After == nil {
		return h.removeFromCounterparts(ctx, ref, ev)
	}

	after := entity.DisplayFields{DisplayName: ev.After.DisplayName, Secondary: ev.After.Secondary}
	hash := after.Hash()
	if ev.Before != nil {
		before := entity.DisplayFields{DisplayName: ev.Before.DisplayName, Secondary: ev.Before.Secondary}
		if before.Hash() == hash {
			h.log.WithField("entity", ref.String()).Debug("display fields unchanged, nothing to propagate")
			return nil
		}
	}

	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}
	counterparts, err := h.counterparts(ctx, ref)
	if err != nil {
		return err
	}
	snap := entity.NewSnapshot(ev.EntityID, after, ev.OccurredAt)

	var errs []error
	for _, cp := range counterparts {
		check := stormguard.Check{
			Key:         propagationKey(tenantID, cp, ref),
			PayloadHash: hash,
			Topic:       events.TopicEntityChangedV1,
			Actor:       actorOrDefault(ev.Actor),
			Urgency:     ev.Urgency,
		}
		if v := h.guard.Allow(ctx, check); !v.Allowed {
			continue
		}
		if err := h.entities.MergeSnapshot(ctx, cp.Kind, cp.ID, ref.Kind, snap); err != nil {
			if gerrors.Is(err, entity.ErrNotFound) {
				h.log.WithFields(logrus.Fields{"entity": ref.String(), "counterpart": cp.String()}).
					Debug("counterpart missing, skipping snapshot write")
				continue
			}
			errs = append(errs, err)
			continue
		}
		if err := h.guard.Commit(ctx, check); err != nil {
			h.log.WithError(err).WithField("key", check.Key).Warn("failed to record propagation")
		}
	}
	return errors.Join(errs...)
}

func (h *PropagationHandler) removeFromCounterparts(ctx context.Context, ref entity.Ref, ev *events.EntityChangedV1) error {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}
	counterparts, err := h.counterparts(ctx, ref)
	if err != nil {
		return err
	}
	var errs []error
	for _, cp := range counterparts {
		if err := h.entities.RemoveSnapshot(ctx, cp.Kind, cp.ID, ref.Kind, ref.ID); err != nil {
			if gerrors.Is(err, entity.ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		h.forgetRecord(ctx, propagationKey(tenantID, cp, ref))
	}
	return errors.Join(errs...)
}

func (h *PropagationHandler) onAssociationChanged(ctx context.Context, ev *events.AssociationChangedV1) error {
	ctx, span := h.tracer.Start(ctx, "propagate.association_changed",
		trace.WithAttributes(
			attribute.String("change.type", ev.ChangeType),
			attribute.String("relation.type", ev.RelationType),
		))
	defer span.End()

	source := entity.Ref{Kind: entity.Kind(ev.SourceKind), ID: ev.SourceID}
	target := entity.Ref{Kind: entity.Kind(ev.TargetKind), ID: ev.TargetID}

	switch ev.ChangeType {
	case events.ChangeCreated:
		var errs []error
		if err := h.seedSnapshot(ctx, source, target, ev); err != nil {
			errs = append(errs, err)
		}
		if err := h.seedSnapshot(ctx, target, source, ev); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	case events.ChangeDeleted:
		var errs []error
		if err := h.clearSnapshot(ctx, source, target); err != nil {
			errs = append(errs, err)
		}
		if err := h.clearSnapshot(ctx, target, source); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	default:
		return nil
	}
}

// seedSnapshot copies from's display fields into to's snapshot cache.
func (h *PropagationHandler) seedSnapshot(ctx context.Context, from, to entity.Ref, ev *events.AssociationChangedV1) error {
	rec, err := h.entities.Get(ctx, from.Kind, from.ID)
	if err != nil {
		if gerrors.Is(err, entity.ErrNotFound) {
			h.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Debug("endpoint missing, edge left pending")
			return nil
		}
		return err
	}

	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}
	hash := rec.Display.Hash()
	check := stormguard.Check{
		Key:         propagationKey(tenantID, to, from),
		PayloadHash: hash,
		Topic:       events.TopicAssociationChangedV1,
		Actor:       actorOrDefault(ev.Actor),
		Urgency:     0,
	}
	if v := h.guard.Allow(ctx, check); !v.Allowed {
		return nil
	}
	snap := entity.NewSnapshot(from.ID, rec.Display, ev.OccurredAt)
	if err := h.entities.MergeSnapshot(ctx, to.Kind, to.ID, from.Kind, snap); err != nil {
		if gerrors.Is(err, entity.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := h.guard.Commit(ctx, check); err != nil {
		h.log.WithError(err).WithField("key", check.Key).Warn("failed to record propagation")
	}
	return nil
}

// clearSnapshot removes from's snapshot on to, unless another live edge or
// structural relation still connects the pair. The guard record is dropped
// alongside the snapshot so a recreated edge re-seeds instead of tripping the
// unchanged-hash check.
func (h *PropagationHandler) clearSnapshot(ctx context.Context, from, to entity.Ref) error {
	connected, err := h.stillConnected(ctx, from, to)
	if err != nil {
		return err
	}
	if connected {
		return nil
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}
	if err := h.entities.RemoveSnapshot(ctx, to.Kind, to.ID, from.Kind, from.ID); err != nil && !gerrors.Is(err, entity.ErrNotFound) {
		return err
	}
	h.forgetRecord(ctx, propagationKey(tenantID, to, from))
	return nil
}

func (h *PropagationHandler) forgetRecord(ctx context.Context, key string) {
	if err := h.guard.Forget(ctx, key); err != nil {
		h.log.WithError(err).WithField("key", key).Warn("failed to drop propagation record")
	}
}

func (h *PropagationHandler) stillConnected(ctx context.Context, a, b entity.Ref) (bool, error) {
	edges, err := h.associations.ListForEntity(ctx, a, association.ListFilter{})
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if cp, ok := e.Counterpart(a); ok && cp == b {
			return true, nil
		}
	}
	if a.Kind == entity.KindCompany && b.Kind == entity.KindCompany {
		rels, err := h.companies.GetRelationships(ctx, a.ID)
		if err != nil {
			if gerrors.Is(err, entity.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		for _, id := range rels.Related() {
			if id == b.ID {
				return true, nil
			}
		}
	}
	return false, nil
}

// counterparts resolves every entity holding (or owed) a snapshot of ref:
// edge endpoints, structurally related companies, and for locations the owner
// company or, failing that, a capped alias scan.
func (h *PropagationHandler) counterparts(ctx context.Context, ref entity.Ref) ([]entity.Ref, error) {
	seen := make(map[entity.Ref]struct{})
	var out []entity.Ref
	add := func(cp entity.Ref) {
		if cp == ref {
			return
		}
		if _, ok := seen[cp]; ok {
			return
		}
		seen[cp] = struct{}{}
		out = append(out, cp)
	}

	edges, err := h.associations.ListForEntity(ctx, ref, association.ListFilter{})
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if cp, ok := e.Counterpart(ref); ok {
			add(cp)
		}
	}

	if ref.Kind == entity.KindCompany {
		rels, err := h.companies.GetRelationships(ctx, ref.ID)
		if err != nil && !gerrors.Is(err, entity.ErrNotFound) {
			return nil, err
		}
		if rels != nil {
			for _, id := range rels.Related() {
				add(entity.Ref{Kind: entity.KindCompany, ID: id})
			}
		}
	}

	if ref.Kind == entity.KindLocation {
		owner, ok, err := h.entities.ResolveLocationOwner(ctx, ref.ID)
		if err != nil && !gerrors.Is(err, entity.ErrNotFound) {
			return nil, err
		}
		if ok {
			add(entity.Ref{Kind: entity.KindCompany, ID: owner})
		} else {
			result, err := h.entities.ScanLocationReferrers(ctx, ref.ID, h.cfg.AliasScanCap)
			if err != nil {
				return nil, err
			}
			if result.Truncated {
				h.log.WithFields(logrus.Fields{
					"location": ref.ID.String(),
					"cap":      h.cfg.AliasScanCap,
				}).Warn("alias referrer scan truncated, reconciliation will cover the rest")
			}
			for _, cp := range result.Refs {
				add(cp)
			}
		}
	}

	return out, nil
}

// propagationKey scopes guard records per tenant so identical refs in
// different tenants never share a dedupe record.
func propagationKey(tenantID uuid.UUID, to, from entity.Ref) string {
	return fmt.Sprintf("%s:%s:%s", tenantID.String(), to.String(), from.String())
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return ActorName
	}
	return actor
}
