package netenv

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/portal"
)

const defaultPollInterval = 5 * time.Second

// Change is emitted when the associated network differs from the last poll.
type Change struct {
	Previous *portal.NetworkIdentity
	Current  *portal.NetworkIdentity
	At       time.Time
}

// Watcher polls a Provider and turns identity changes into notifications.
type Watcher struct {
	provider Provider
	interval time.Duration
	logger   *zap.Logger
	changes  chan Change
}

// NewWatcher creates a watcher. Zero interval means 5s.
func NewWatcher(p Provider, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		provider: p,
		interval: interval,
		logger:   logger,
		changes:  make(chan Change, 8),
	}
}

// Changes returns the notification stream. It is closed when Run returns.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Run polls until ctx is cancelled. The first observation is the baseline
// and is not reported.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.changes)

	last, err := w.provider.Current(ctx)
	if err != nil {
		w.logger.Warn("initial network query failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur, err := w.provider.Current(ctx)
		if err != nil {
			w.logger.Debug("network query failed", zap.Error(err))
			continue
		}
		if portal.SameNetwork(last, cur) {
			continue
		}

		change := Change{Previous: last, Current: cur, At: time.Now()}
		last = cur
		w.logger.Info("network changed",
			zap.Stringer("from", identityStringer{change.Previous}),
			zap.Stringer("to", identityStringer{change.Current}),
		)

		select {
		case w.changes <- change:
		case <-ctx.Done():
			return
		}
	}
}

type identityStringer struct{ id *portal.NetworkIdentity }

func (s identityStringer) String() string {
	if s.id == nil {
		return "<none>"
	}
	return s.id.String()
}
