package stormguard

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
)

// Reason explains why a propagation write was allowed or skipped.
type Reason string

const (
	Allowed         Reason = "allowed"
	SkipUnchanged   Reason = "unchanged"
	SkipInterval    Reason = "interval"
	SkipDeniedActor Reason = "denied_actor"
	SkipSampled     Reason = "sampled"
	SkipUrgency     Reason = "urgency"
)

// Check describes one proposed propagation write.
type Check struct {
	// Key is the dedupe key, e.g. "counterpart:changed:hash" or
	// "entityID:changeKind".
	Key string
	// PayloadHash is the content hash of the new payload.
	PayloadHash uint64
	// Topic is the event kind that triggered the write.
	Topic string
	// Actor is the originating handler.
	Actor string
	// Urgency is the event importance, higher is more urgent.
	Urgency int
}

type Verdict struct {
	Allowed bool
	Reason  Reason
}

var allowedVerdict = Verdict{Allowed: true, Reason: Allowed}

func skip(reason Reason) Verdict {
	return Verdict{Reason: reason}
}

// Guard is the single chokepoint every propagator calls through before
// writing. Policy checks run in order; the first failing check short-circuits
// the write as a no-op. A guard failure (redis down) fails open: an extra
// propagation write is idempotent, a silently dropped one is not repaired
// until the next reconciliation pass.
type Guard struct {
	records  RecordStore
	limStore limiter.Store
	log      *logrus.Entry
	rand     *rand.Rand
	m        *metrics

	mu        sync.Mutex
	settings  Settings
	lim       *limiter.Limiter
	limPeriod time.Duration
}

type Option func(*Guard)

func WithRand(r *rand.Rand) Option {
	return func(g *Guard) { g.rand = r }
}

func New(records RecordStore, limStore limiter.Store, settings Settings, log *logrus.Entry, opts ...Option) *Guard {
	if log == nil {
		nop := logrus.New()
		nop.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(nop)
	}
	g := &Guard{
		records:  records,
		limStore: limStore,
		log:      log,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
		m:        getMetrics(),
		settings: settings.withDefaults(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.m.emergency.Set(boolGauge(g.settings.EmergencyMode))
	return g
}

func (g *Guard) Settings() Settings {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settings
}

// UpdateSettings swaps the policy atomically. Called by the settings watcher.
func (g *Guard) UpdateSettings(s Settings) {
	s = s.withDefaults()
	g.mu.Lock()
	old := g.settings
	g.settings = s
	g.mu.Unlock()
	g.m.emergency.Set(boolGauge(s.EmergencyMode))
	if !settingsEqual(old, s) {
		g.log.WithFields(logrus.Fields{
			"min_interval":   s.MinInterval.String(),
			"sample_rate":    s.SampleRate,
			"degraded_mode":  s.DegradedMode,
			"emergency_mode": s.EmergencyMode,
		}).Info("stormguard: settings updated")
	}
}

func settingsEqual(a, b Settings) bool {
	return a.MinInterval == b.MinInterval &&
		a.RecordTTL == b.RecordTTL &&
		a.SampleRate == b.SampleRate &&
		a.UrgencyFloor == b.UrgencyFloor &&
		a.DegradedMode == b.DegradedMode &&
		a.EmergencyMode == b.EmergencyMode &&
		a.EmergencyMultiplier == b.EmergencyMultiplier &&
		equalStrings(a.SampledTopics, b.SampledTopics) &&
		equalStrings(a.DeniedActors, b.DeniedActors)
}

// Allow applies the containment policy in order: change-detection, minimum
// interval, actor denylist, sampling, urgency floor.
func (g *Guard) Allow(ctx context.Context, check Check) Verdict {
	eff := g.Settings().effective()

	last, seen, err := g.records.LastHash(ctx, check.Key)
	if err != nil {
		g.log.WithError(err).WithField("key", check.Key).Warn("stormguard: record lookup failed, failing open")
	} else if seen && last == check.PayloadHash {
		return g.record(check, skip(SkipUnchanged))
	}

	reached, err := g.intervalReached(ctx, check.Key, eff.MinInterval)
	if err != nil {
		g.log.WithError(err).WithField("key", check.Key).Warn("stormguard: interval check failed, failing open")
	} else if reached {
		return g.record(check, skip(SkipInterval))
	}

	if eff.actorDenied(check.Actor, check.Topic) {
		return g.record(check, skip(SkipDeniedActor))
	}

	if eff.topicSampled(check.Topic) && g.rand.Float64() >= eff.SampleRate {
		return g.record(check, skip(SkipSampled))
	}

	if eff.DegradedMode && check.Urgency < eff.UrgencyFloor {
		return g.record(check, skip(SkipUrgency))
	}

	return g.record(check, allowedVerdict)
}

// Commit stores the propagation record once the write actually landed, so a
// failed write does not suppress its own retry.
func (g *Guard) Commit(ctx context.Context, check Check) error {
	ttl := g.Settings().effective().RecordTTL
	return g.records.Touch(ctx, check.Key, check.PayloadHash, ttl)
}

// Forget drops the record for key. Called when the propagated state itself is
// removed, so a later identical write is not mistaken for a duplicate.
func (g *Guard) Forget(ctx context.Context, key string) error {
	return g.records.Forget(ctx, key)
}

func (g *Guard) intervalReached(ctx context.Context, key string, interval time.Duration) (bool, error) {
	lim, err := g.limiterFor(interval)
	if err != nil {
		return false, err
	}
	lctx, err := lim.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return lctx.Reached, nil
}

func (g *Guard) limiterFor(interval time.Duration) (*limiter.Limiter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lim != nil && g.limPeriod == interval {
		return g.lim, nil
	}
	g.lim = limiter.New(g.limStore, limiter.Rate{Period: interval, Limit: 1})
	g.limPeriod = interval
	return g.lim, nil
}

func (g *Guard) record(check Check, v Verdict) Verdict {
	g.m.decisions.WithLabelValues(string(v.Reason), check.Topic).Inc()
	if !v.Allowed {
		g.log.WithFields(logrus.Fields{
			"key":    check.Key,
			"topic":  check.Topic,
			"actor":  check.Actor,
			"reason": string(v.Reason),
		}).Debug("stormguard: propagation skipped")
	}
	return v
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
