package services

import (
	"context"
	"encoding/json"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wI2L/jsondiff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/association"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/company"
	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/domain/entity"
	"github.com/gregfielding/hrx-god-view-sub021/pkg/composables"
)

// Report is the outcome of a reconciliation run.
type Report struct {
	EntitiesScanned int `json:"entitiesScanned"`
	DriftFound      int `json:"driftFound"`
	DriftRepaired   int `json:"driftRepaired"`
}

func (r *Report) add(other Report) {
	r.EntitiesScanned += other.EntitiesScanned
	r.DriftFound += other.DriftFound
	r.DriftRepaired += other.DriftRepaired
}

type RunOptions struct {
	DryRun    bool
	BatchSize int
}

// ReconciliationService is the safety net: it recomputes every entity's
// expected snapshot set from the association store and structural fields, and
// repairs drift diff-wise. Running it twice in a row leaves the second run
// with nothing to do.
type ReconciliationService struct {
	entities     entity.Repository
	associations association.Repository
	companies    company.Repository
	log          *logrus.Entry
	tracer       trace.Tracer
}

func NewReconciliationService(
	entities entity.Repository,
	associations association.Repository,
	companies company.Repository,
	log *logrus.Entry,
) *ReconciliationService {
	return &ReconciliationService{
		entities:     entities,
		associations: associations,
		companies:    companies,
		log:          log.WithField("component", "crm.reconciliation"),
		tracer:       otel.Tracer("crm.reconciliation"),
	}
}

// Run walks the whole tenant in batches. The cursor keeps each batch bounded,
// so an interrupted run resumes from where RunBatch last stopped.
func (s *ReconciliationService) Run(ctx context.Context, opts RunOptions) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.run",
		trace.WithAttributes(attribute.Bool("dry_run", opts.DryRun)))
	defer span.End()

	var total Report
	cursor := entity.Cursor{}
	for {
		report, next, done, err := s.RunBatch(ctx, cursor, opts)
		total.add(report)
		if err != nil {
			return total, err
		}
		if done {
			break
		}
		cursor = next
	}

	if err := s.retryPendingEdges(ctx, &total, opts); err != nil {
		return total, err
	}

	s.log.WithFields(logrus.Fields{
		"scanned":  total.EntitiesScanned,
		"drift":    total.DriftFound,
		"repaired": total.DriftRepaired,
		"dry_run":  opts.DryRun,
	}).Info("reconciliation finished")
	return total, nil
}

// RunBatch reconciles one page of entities and returns the cursor to resume
// from.
func (s *ReconciliationService) RunBatch(ctx context.Context, cursor entity.Cursor, opts RunOptions) (Report, entity.Cursor, bool, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	m := getReconMetrics()

	var report Report
	records, next, err := s.entities.List(ctx, cursor, batchSize)
	if err != nil {
		return report, cursor, false, errors.Wrap(err, "reconciliation list failed")
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, next, false, err
		}
		report.EntitiesScanned++
		m.scanned.Inc()

		drifted, repaired, err := s.reconcileEntity(ctx, rec, opts.DryRun)
		if err != nil {
			s.log.WithError(err).WithField("entity", rec.Ref.String()).Warn("failed to reconcile entity")
			continue
		}
		if drifted {
			report.DriftFound++
			m.drift.Inc()
		}
		if repaired {
			report.DriftRepaired++
			m.repaired.Inc()
		}

		if rec.Ref.Kind == entity.KindCompany {
			found, fixed, err := s.repairStructural(ctx, rec.Ref.ID, opts.DryRun)
			if err != nil {
				s.log.WithError(err).WithField("company", rec.Ref.ID.String()).Warn("failed to repair structural relations")
				continue
			}
			report.DriftFound += found
			report.DriftRepaired += fixed
		}
	}

	return report, next, len(records) < batchSize, nil
}

func (s *ReconciliationService) reconcileEntity(ctx context.Context, rec *entity.Record, dryRun bool) (bool, bool, error) {
	expected, err := s.expectedSnapshots(ctx, rec)
	if err != nil {
		return false, false, err
	}

	currentJSON, err := json.Marshal(rec.Snapshots)
	if err != nil {
		return false, false, errors.Wrap(err, "failed to encode current snapshots")
	}
	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		return false, false, errors.Wrap(err, "failed to encode expected snapshots")
	}

	patch, err := jsondiff.CompareJSON(currentJSON, expectedJSON)
	if err != nil {
		return false, false, errors.Wrap(err, "failed to diff snapshots")
	}
	if len(patch) == 0 {
		return false, false, nil
	}

	s.log.WithFields(logrus.Fields{
		"entity": rec.Ref.String(),
		"ops":    len(patch),
	}).Debug("snapshot drift detected")
	if dryRun {
		return true, false, nil
	}

	patchRaw, err := json.Marshal(patch)
	if err != nil {
		return true, false, errors.Wrap(err, "failed to encode repair patch")
	}
	decoded, err := jsonpatch.DecodePatch(patchRaw)
	if err != nil {
		return true, false, errors.Wrap(err, "failed to decode repair patch")
	}
	repairedJSON, err := decoded.Apply(currentJSON)
	if err != nil {
		return true, false, errors.Wrap(err, "failed to apply repair patch")
	}

	var repaired entity.SnapshotSet
	if err := json.Unmarshal(repairedJSON, &repaired); err != nil {
		return true, false, errors.Wrap(err, "failed to decode repaired snapshots")
	}

	err = composables.InTenantTx(ctx, func(txCtx context.Context) error {
		return s.entities.ReplaceSnapshots(txCtx, rec.Ref.Kind, rec.Ref.ID, repaired)
	})
	if err != nil {
		return true, false, err
	}
	return true, true, nil
}

// expectedSnapshots derives what the entity's cache should contain: one
// snapshot per connected counterpart that actually exists. Snapshots whose
// content already matches keep their stored freshness marker, so a clean cache
// produces an empty diff.
func (s *ReconciliationService) expectedSnapshots(ctx context.Context, rec *entity.Record) (entity.SnapshotSet, error) {
	counterparts, err := s.counterparts(ctx, rec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expected := make(entity.SnapshotSet)
	for _, cp := range counterparts {
		cpRec, err := s.entities.Get(ctx, cp.Kind, cp.ID)
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				continue
			}
			return nil, err
		}

		snap := entity.NewSnapshot(cp.ID, cpRec.Display, now)
		if current, ok := rec.Snapshots.Get(cp.Kind, cp.ID); ok && current.ContentEqual(snap) {
			snap = current
		}
		expected.Put(cp.Kind, snap)
	}
	return expected, nil
}

func (s *ReconciliationService) counterparts(ctx context.Context, rec *entity.Record) ([]entity.Ref, error) {
	seen := make(map[entity.Ref]struct{})
	var out []entity.Ref
	add := func(cp entity.Ref) {
		if cp == rec.Ref {
			return
		}
		if _, ok := seen[cp]; ok {
			return
		}
		seen[cp] = struct{}{}
		out = append(out, cp)
	}

	edges, err := s.associations.ListForEntity(ctx, rec.Ref, association.ListFilter{})
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if cp, ok := e.Counterpart(rec.Ref); ok {
			add(cp)
		}
	}

	if rec.Ref.Kind == entity.KindCompany {
		rels, err := s.companies.GetRelationships(ctx, rec.Ref.ID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return nil, err
		}
		if rels != nil {
			for _, id := range rels.Related() {
				add(entity.Ref{Kind: entity.KindCompany, ID: id})
			}
		}
		owned, err := s.entities.ListOwnedLocations(ctx, rec.Ref.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range owned {
			add(entity.Ref{Kind: entity.KindLocation, ID: id})
		}
	}

	targets, err := s.entities.ListAliasTargets(ctx, rec.Ref)
	if err != nil {
		return nil, err
	}
	for _, id := range targets {
		add(entity.Ref{Kind: entity.KindLocation, ID: id})
	}

	return out, nil
}

// repairStructural restores the bilateral invariant for one company. The
// single-valued side wins: a child's parent pointer decides whether the
// parent's children entry stays.
func (s *ReconciliationService) repairStructural(ctx context.Context, companyID uuid.UUID, dryRun bool) (int, int, error) {
	rels, err := s.companies.GetRelationships(ctx, companyID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	var fixes []func(context.Context) error

	other := func(id uuid.UUID) (*company.Relationships, error) {
		got, err := s.companies.GetRelationships(ctx, id)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return nil, err
		}
		return got, nil
	}

	if rels.ParentCompany != nil {
		parentID := *rels.ParentCompany
		prels, err := other(parentID)
		if err != nil {
			return 0, 0, err
		}
		if prels == nil {
			fixes = append(fixes, func(c context.Context) error {
				return s.companies.RemoveRelationship(c, parentID, companyID, association.TypeParent)
			})
		} else if _, ok := prels.Children[companyID.String()]; !ok {
			fixes = append(fixes, func(c context.Context) error {
				return s.companies.SetRelationship(c, parentID, companyID, association.TypeParent)
			})
		}
	}

	for _, link := range rels.Children {
		childID := link.ID
		crels, err := other(childID)
		if err != nil {
			return 0, 0, err
		}
		if crels == nil || crels.ParentCompany == nil || *crels.ParentCompany != companyID {
			fixes = append(fixes, func(c context.Context) error {
				return s.companies.RemoveRelationship(c, companyID, childID, association.TypeParent)
			})
		}
	}

	for _, link := range rels.Siblings {
		siblingID := link.ID
		srels, err := other(siblingID)
		if err != nil {
			return 0, 0, err
		}
		if srels == nil {
			fixes = append(fixes, func(c context.Context) error {
				return s.companies.RemoveRelationship(c, companyID, siblingID, association.TypeSibling)
			})
		} else if _, ok := srels.Siblings[companyID.String()]; !ok {
			fixes = append(fixes, func(c context.Context) error {
				return s.companies.SetRelationship(c, companyID, siblingID, association.TypeSibling)
			})
		}
	}

	for _, link := range rels.MSPClients {
		clientID := link.ID
		crels, err := other(clientID)
		if err != nil {
			return 0, 0, err
		}
		if crels == nil {
			fixes = append(fixes, func(c context.Context) error {
				return s.companies.RemoveRelationship(c, companyID, clientID, association.TypeManagedService)
			})
		} else if _, ok := crels.ManagedBy[companyID.String()]; !ok {
			fixes = append(fixes, func(c context.Context) error {
				return s.companies.SetRelationship(c, companyID, clientID, association.TypeManagedService)
			})
		}
	}

	for _, link := range rels.ManagedBy {
		managerID := link.ID
		mrels, err := other(managerID)
		if err != nil {
			return 0, 0, err
		}
		if mrels == nil {
			fixes = append(fixes, func(c context.Context) error {
				return s.companies.RemoveRelationship(c, managerID, companyID, association.TypeManagedService)
			})
		} else if _, ok := mrels.MSPClients[companyID.String()]; !ok {
			fixes = append(fixes, func(c context.Context) error {
				return s.companies.SetRelationship(c, managerID, companyID, association.TypeManagedService)
			})
		}
	}

	if dryRun {
		return len(fixes), 0, nil
	}
	repaired := 0
	for _, f := range fixes {
		err := composables.InTenantTx(ctx, f)
		if err != nil {
			s.log.WithError(err).WithField("company", companyID.String()).Warn("structural repair failed")
			continue
		}
		repaired++
	}
	return len(fixes), repaired, nil
}

// retryPendingEdges clears edges flagged at creation time because an endpoint
// was missing, seeding both snapshot sides once the endpoint exists.
func (s *ReconciliationService) retryPendingEdges(ctx context.Context, report *Report, opts RunOptions) error {
	edges, err := s.associations.ListPendingCounterpart(ctx, 500)
	if err != nil {
		return errors.Wrap(err, "failed to list pending edges")
	}

	now := time.Now().UTC()
	for _, e := range edges {
		source, target := e.Source(), e.Target()
		sourceRec, err := s.entities.Get(ctx, source.Kind, source.ID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return err
		}
		targetRec, err := s.entities.Get(ctx, target.Kind, target.ID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return err
		}
		if sourceRec == nil || targetRec == nil {
			continue
		}

		report.DriftFound++
		if opts.DryRun {
			continue
		}

		err = composables.InTenantTx(ctx, func(txCtx context.Context) error {
			if err := s.entities.MergeSnapshot(txCtx, target.Kind, target.ID, source.Kind,
				entity.NewSnapshot(source.ID, sourceRec.Display, now)); err != nil {
				return err
			}
			if err := s.entities.MergeSnapshot(txCtx, source.Kind, source.ID, target.Kind,
				entity.NewSnapshot(target.ID, targetRec.Display, now)); err != nil {
				return err
			}
			return s.associations.ClearPendingCounterpart(txCtx, e.ID())
		})
		if err != nil {
			s.log.WithError(err).WithField("edge", e.Key().String()).Warn("failed to clear pending edge")
			continue
		}
		report.DriftRepaired++
	}
	return nil
}
