package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shinyes/geo_crdt/pkg/logging"
)

// HeartbeatMonitor tracks peer liveness via periodic heartbeat broadcast/check.
type HeartbeatMonitor struct {
	state     *SyncState
	beat      func(ctx context.Context) error
	onTimeout func(peer uuid.UUID)
	interval  time.Duration
	timeout   time.Duration
	logger    logging.Logger
}

// NewHeartbeatMonitor creates a heartbeat monitor. beat sends one heartbeat
// to all peers; onTimeout, if set, runs for each peer that just became
// Disconnected.
func NewHeartbeatMonitor(state *SyncState, beat func(ctx context.Context) error, interval, timeout time.Duration, logger logging.Logger) *HeartbeatMonitor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &HeartbeatMonitor{
		state:    state,
		beat:     beat,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// OnTimeout installs the disconnect callback. Call before Run.
func (hm *HeartbeatMonitor) OnTimeout(fn func(peer uuid.UUID)) {
	hm.onTimeout = fn
}

// Run blocks, beating every interval until ctx is done.
func (hm *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.logger.Debug("heartbeat started", "interval", hm.interval, "timeout", hm.timeout)
	for {
		select {
		case <-ctx.Done():
			hm.logger.Debug("heartbeat stopped")
			return
		case <-ticker.C:
			hm.Tick(ctx)
		}
	}
}

// Tick broadcasts one heartbeat and marks timed out peers Disconnected.
func (hm *HeartbeatMonitor) Tick(ctx context.Context) {
	if hm.beat != nil {
		if err := hm.beat(ctx); err != nil && !errors.Is(err, ErrNoNetwork) && ctx.Err() == nil {
			hm.logger.Warn("heartbeat broadcast failed", "err", err)
		}
	}
	hm.checkHeartbeats()
}

// checkHeartbeats reports each peer once when it goes active->disconnected.
func (hm *HeartbeatMonitor) checkHeartbeats() {
	stale := hm.state.StalePeers(hm.timeout)
	timedOut := 0
	for _, id := range stale {
		if !hm.state.MarkDisconnected(id) {
			continue
		}
		timedOut++
		hm.logger.Warn("peer timed out", "peer", id, "timeout", hm.timeout)
		if hm.onTimeout != nil {
			hm.onTimeout(id)
		}
	}
	if timedOut > 0 {
		hm.logger.Info("peers disconnected", "count", timedOut)
	}
}
