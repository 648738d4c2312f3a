package stormguard

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SettingsSource loads the current containment policy from a config store.
type SettingsSource interface {
	Load(ctx context.Context) (Settings, error)
}

// Watcher polls the settings source and pushes changes into the guard.
type Watcher struct {
	source SettingsSource
	guard  *Guard
	every  time.Duration
	log    *logrus.Entry
}

func NewWatcher(source SettingsSource, guard *Guard, every time.Duration, log *logrus.Entry) *Watcher {
	if every <= 0 {
		every = 15 * time.Second
	}
	return &Watcher{source: source, guard: guard, every: every, log: log}
}

func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		settings, err := w.source.Load(ctx)
		if err != nil {
			if w.log != nil {
				w.log.WithError(err).Warn("stormguard: settings reload failed, keeping previous policy")
			}
			continue
		}
		w.guard.UpdateSettings(settings)
	}
}
