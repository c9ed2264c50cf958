// Package signal validates and stores incoming trading signals and
// manages their lifecycle state.
package signal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"signal_trader/internal/audit"
	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxClockSkew tolerates model hosts slightly ahead of us
const maxClockSkew = 5 * time.Minute

// Intake validates and persists signals from the model collaborator
type Intake struct {
	store  core.IStore
	audit  *audit.Recorder
	logger core.ILogger
}

func NewIntake(store core.IStore, auditRec *audit.Recorder, logger core.ILogger) *Intake {
	return &Intake{
		store:  store,
		audit:  auditRec,
		logger: logger.WithField("component", "signal_intake"),
	}
}

// Fingerprint hashes the model version and feature inputs into the
// reproducibility fingerprint stored with the signal.
func Fingerprint(modelVersion, featureHash string) string {
	sum := sha256.Sum256([]byte(modelVersion + "|" + featureHash))
	return hex.EncodeToString(sum[:])
}

// Validate rejects malformed envelopes before any persistence
func Validate(env *core.SignalEnvelope) error {
	if strings.TrimSpace(env.Ticker) == "" {
		return fmt.Errorf("ticker is required: %w", apperrors.ErrInvalidSignal)
	}
	if !core.SignalType(env.SignalType).Valid() {
		return fmt.Errorf("unknown signal type %q: %w", env.SignalType, apperrors.ErrInvalidSignal)
	}
	if env.ConfidenceScore.LessThan(decimal.Zero) || env.ConfidenceScore.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("confidence_score %s outside [0, 1]: %w", env.ConfidenceScore, apperrors.ErrInvalidSignal)
	}
	if env.ModelVersion == "" {
		return fmt.Errorf("model_version is required: %w", apperrors.ErrInvalidSignal)
	}
	if env.GeneratedAt.IsZero() {
		return fmt.Errorf("generated_at is required: %w", apperrors.ErrInvalidSignal)
	}
	if env.GeneratedAt.After(time.Now().Add(maxClockSkew)) {
		return fmt.Errorf("generated_at %s is in the future: %w", env.GeneratedAt, apperrors.ErrInvalidSignal)
	}
	return nil
}

// Ingest validates, fingerprints, and stores a signal, leaving it in
// the queued state ready for sizing. Redelivery of an envelope with the
// same fingerprint and generation time returns the stored signal.
func (i *Intake) Ingest(ctx context.Context, env *core.SignalEnvelope) (*core.Signal, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(env.ModelVersion, env.FeatureHash)

	if existing, err := i.store.GetSignalByFingerprint(ctx, fingerprint); err == nil && existing != nil {
		if existing.GeneratedAt.Equal(env.GeneratedAt) && existing.Ticker == strings.ToUpper(env.Ticker) {
			i.logger.Debug("Duplicate signal delivery", "signal_id", existing.ID, "fingerprint", fingerprint)
			return existing, nil
		}
	}

	sig := &core.Signal{
		ID:              uuid.NewString(),
		Ticker:          strings.ToUpper(strings.TrimSpace(env.Ticker)),
		Type:            core.SignalType(env.SignalType),
		ConfidenceScore: env.ConfidenceScore,
		ModelVersion:    env.ModelVersion,
		FeatureHash:     env.FeatureHash,
		Fingerprint:     fingerprint,
		State:           core.SignalStateGenerated,
		GeneratedAt:     env.GeneratedAt.UTC(),
		CreatedAt:       time.Now().UTC(),
	}

	if err := i.store.SaveSignal(ctx, sig); err != nil {
		// Lost the insert race against a concurrent delivery of the same
		// envelope. The unique index guarantees exactly one row; hand
		// back the one that won.
		if errors.Is(err, apperrors.ErrDuplicateSignal) {
			winner, getErr := i.store.GetSignalByFingerprint(ctx, fingerprint)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load deduplicated signal: %w", getErr)
			}
			i.logger.Debug("Duplicate signal delivery", "signal_id", winner.ID, "fingerprint", fingerprint)
			return winner, nil
		}
		return nil, fmt.Errorf("failed to save signal: %w", err)
	}

	i.audit.Record(ctx, core.AuditSignalGenerated, sig.ID, "", map[string]string{
		"ticker":      sig.Ticker,
		"type":        string(sig.Type),
		"confidence":  sig.ConfidenceScore.String(),
		"fingerprint": sig.Fingerprint,
	})

	if m := telemetry.GetGlobalMetrics(); m.SignalsReceivedTotal != nil {
		m.SignalsReceivedTotal.Add(ctx, 1)
	}

	if err := i.store.UpdateSignalState(ctx, sig.ID, core.SignalStateGenerated, core.SignalStateQueued); err != nil {
		return nil, fmt.Errorf("failed to queue signal: %w", err)
	}
	sig.State = core.SignalStateQueued

	i.logger.Info("Signal ingested",
		"signal_id", sig.ID, "ticker", sig.Ticker, "type", sig.Type,
		"confidence", sig.ConfidenceScore.String())

	return sig, nil
}

// ExpireStale moves signals older than ttl that never produced an order
// into the expired state. Returns the number expired.
func (i *Intake) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	expired := 0

	for _, state := range []core.SignalState{core.SignalStateGenerated, core.SignalStateQueued} {
		stale, err := i.store.ListSignalsInState(ctx, state, cutoff)
		if err != nil {
			return expired, fmt.Errorf("failed to list %s signals: %w", state, err)
		}
		for _, sig := range stale {
			if err := i.store.UpdateSignalState(ctx, sig.ID, state, core.SignalStateExpired); err != nil {
				i.logger.Warn("Failed to expire signal", "signal_id", sig.ID, "error", err)
				continue
			}
			i.audit.Record(ctx, core.AuditSignalExpired, sig.ID, "", map[string]string{
				"ticker": sig.Ticker,
				"age":    time.Since(sig.GeneratedAt).String(),
			})
			expired++
		}
	}

	if expired > 0 {
		i.logger.Info("Expired stale signals", "count", expired)
	}
	return expired, nil
}
