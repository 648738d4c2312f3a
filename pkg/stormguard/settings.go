package stormguard

import (
	"math"
	"strings"
	"time"
)

// Settings is the containment policy consulted on every propagation write.
// It is swapped atomically by the settings watcher, so a tightened policy
// takes effect without a redeploy.
type Settings struct {
	// MinInterval is the minimum spacing between propagation writes that
	// share a dedupe key.
	MinInterval time.Duration
	// RecordTTL bounds how long propagation records are retained.
	RecordTTL time.Duration
	// SampleRate is the fraction of events on sampled topics allowed through.
	SampleRate float64
	// SampledTopics lists topic prefixes subject to sampling.
	SampledTopics []string
	// DeniedActors lists originating handlers and event kinds that are
	// blocked unconditionally (meta-logging, self-referential updates).
	DeniedActors []string
	// UrgencyFloor drops events below this importance when DegradedMode is on.
	UrgencyFloor int
	DegradedMode bool
	// EmergencyMode multiplies all thresholds during an incident.
	EmergencyMode       bool
	EmergencyMultiplier float64
}

func (s Settings) withDefaults() Settings {
	if s.MinInterval <= 0 {
		s.MinInterval = 2 * time.Minute
	}
	if s.RecordTTL <= 0 {
		s.RecordTTL = 24 * time.Hour
	}
	if s.SampleRate <= 0 || s.SampleRate > 1 {
		s.SampleRate = 1
	}
	if s.EmergencyMultiplier < 1 {
		s.EmergencyMultiplier = 10
	}
	return s
}

// effective folds emergency mode into the thresholds.
func (s Settings) effective() Settings {
	s = s.withDefaults()
	if !s.EmergencyMode {
		return s
	}
	m := s.EmergencyMultiplier
	s.MinInterval = time.Duration(float64(s.MinInterval) * m)
	s.SampleRate /= m
	if s.UrgencyFloor > 0 {
		s.UrgencyFloor = int(math.Ceil(float64(s.UrgencyFloor) * m))
	}
	s.DegradedMode = true
	return s
}

func (s Settings) actorDenied(actor, topic string) bool {
	for _, denied := range s.DeniedActors {
		if denied == "" {
			continue
		}
		if strings.EqualFold(denied, actor) || strings.EqualFold(denied, topic) {
			return true
		}
	}
	return false
}

func (s Settings) topicSampled(topic string) bool {
	for _, prefix := range s.SampledTopics {
		if prefix != "" && strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}
