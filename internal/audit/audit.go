// Package audit writes the append-only lineage trail: one immutable
// snapshot per significant signal or order lifecycle point, stamped
// with the hash of the configuration in effect so a trade decision can
// be reproduced later.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"

	"github.com/google/uuid"
)

// Recorder appends audit events to the store. Failures are logged and
// never propagate into the trading path.
type Recorder struct {
	store      core.IStore
	logger     core.ILogger
	configHash string
}

func NewRecorder(store core.IStore, logger core.ILogger, strategyCfg config.StrategyConfig) *Recorder {
	return &Recorder{
		store:      store,
		logger:     logger.WithField("component", "audit"),
		configHash: HashConfig(strategyCfg),
	}
}

// HashConfig produces a stable fingerprint of the strategy config
func HashConfig(cfg config.StrategyConfig) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ConfigHash returns the hash stamped on every recorded event
func (r *Recorder) ConfigHash() string {
	return r.configHash
}

// Record appends one audit event. signalID and orderID may be empty
// when not applicable.
func (r *Recorder) Record(ctx context.Context, kind core.AuditKind, signalID, orderID string, details map[string]string) {
	ev := &core.AuditEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		SignalID:   signalID,
		OrderID:    orderID,
		ConfigHash: r.configHash,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	if err := r.store.AppendAudit(ctx, ev); err != nil {
		r.logger.Error("Failed to append audit event",
			"kind", kind, "signal_id", signalID, "order_id", orderID, "error", err)
	}
}
