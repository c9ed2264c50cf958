// Package engine wires the pipeline stages together: validated signals
// flow through the position sizer and, when sized, out to the submitter.
package engine

import (
	"context"
	"fmt"
	"time"

	"signal_trader/internal/audit"
	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/order"
	"signal_trader/internal/signal"
	"signal_trader/internal/sizing"
	"signal_trader/pkg/telemetry"
)

// Pipeline processes signals end to end. One instance per strategy.
type Pipeline struct {
	store     core.IStore
	broker    core.IBroker
	intake    *signal.Intake
	submitter *order.Submitter
	audit     *audit.Recorder
	logger    core.ILogger
	cfg       config.StrategyConfig
}

func NewPipeline(
	store core.IStore,
	broker core.IBroker,
	intake *signal.Intake,
	submitter *order.Submitter,
	auditRec *audit.Recorder,
	logger core.ILogger,
	cfg config.StrategyConfig,
) *Pipeline {
	return &Pipeline{
		store:     store,
		broker:    broker,
		intake:    intake,
		submitter: submitter,
		audit:     auditRec,
		logger:    logger.WithField("component", "pipeline"),
		cfg:       cfg,
	}
}

// HandleEnvelope ingests a raw signal and, if it survives validation and
// dedup, runs it through sizing and submission.
func (p *Pipeline) HandleEnvelope(ctx context.Context, env *core.SignalEnvelope) (*core.Signal, error) {
	sig, err := p.intake.Ingest(ctx, env)
	if err != nil {
		return nil, err
	}
	if sig.State != core.SignalStateQueued {
		// Redelivered envelope; the first delivery already ran the
		// pipeline.
		return sig, nil
	}
	if err := p.ProcessSignal(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// ProcessSignal sizes a queued signal and submits the resulting order.
// Skips are terminal for the signal and always audited with the full
// rationale.
func (p *Pipeline) ProcessSignal(ctx context.Context, sig *core.Signal) error {
	snap, err := p.snapshot(ctx, sig.Ticker)
	if err != nil {
		return fmt.Errorf("failed to build sizing snapshot for %s: %w", sig.Ticker, err)
	}

	decision := sizing.Size(sig, snap, p.cfg)
	if decision.Skipped() {
		return p.skipSignal(ctx, sig, decision)
	}

	o, err := p.submitter.Submit(ctx, sig, decision)
	if err != nil {
		return err
	}

	p.logger.Info("Signal converted to order",
		"signal_id", sig.ID, "order_id", o.ID, "ticker", sig.Ticker,
		"quantity", decision.Quantity.String())
	return nil
}

func (p *Pipeline) skipSignal(ctx context.Context, sig *core.Signal, decision sizing.Decision) error {
	if err := p.store.UpdateSignalState(ctx, sig.ID, core.SignalStateQueued, core.SignalStateSkipped); err != nil {
		return fmt.Errorf("failed to mark signal %s skipped: %w", sig.ID, err)
	}

	details := map[string]string{"reason": decision.SkipReason}
	for k, v := range decision.Rationale {
		details[k] = v
	}
	p.audit.Record(ctx, core.AuditSignalSkipped, sig.ID, "", details)

	if m := telemetry.GetGlobalMetrics(); m.SignalsSkippedTotal != nil {
		m.SignalsSkippedTotal.Add(ctx, 1)
	}

	p.logger.Info("Signal skipped",
		"signal_id", sig.ID, "ticker", sig.Ticker, "reason", decision.SkipReason)
	return nil
}

// snapshot assembles the portfolio view the sizer decides against. The
// price comes from the broker; everything else from the store.
func (p *Pipeline) snapshot(ctx context.Context, ticker string) (sizing.Snapshot, error) {
	ps, err := p.store.GetPortfolioState(ctx)
	if err != nil {
		return sizing.Snapshot{}, err
	}

	price, err := p.broker.GetLatestPrice(ctx, ticker)
	if err != nil {
		return sizing.Snapshot{}, fmt.Errorf("failed to fetch price for %s: %w", ticker, err)
	}

	snap := sizing.Snapshot{
		PortfolioValue: ps.PortfolioValue,
		Cash:           ps.Cash,
		CurrentPrice:   price,
	}

	if pos, err := p.store.GetPosition(ctx, ticker); err == nil && pos != nil {
		snap.ExistingQty = pos.Quantity
		snap.ExistingExposure = pos.Quantity.Mul(price)
	}

	if snap.OpenPositions, err = p.store.CountOpenPositions(ctx); err != nil {
		return sizing.Snapshot{}, err
	}

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	if snap.TradesToday, err = p.store.CountOrdersSince(ctx, midnight); err != nil {
		return sizing.Snapshot{}, err
	}

	return snap, nil
}

// RunSignalSweep expires queued signals older than ttl on an interval
func (p *Pipeline) RunSignalSweep(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.intake.ExpireStale(ctx, ttl); err != nil {
				p.logger.Error("Signal expiry sweep failed", "error", err)
			} else if n > 0 {
				p.logger.Info("Expired stale signals", "count", n)
			}
		}
	}
}
