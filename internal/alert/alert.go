// Package alert surfaces operator-facing pipeline conditions over
// configurable channels.
package alert

import (
	"context"
	"sync"
	"time"

	"signal_trader/internal/core"
)

type Severity string

const (
	Info     Severity = "INFO"
	Warning  Severity = "WARNING"
	Error    Severity = "ERROR"
	Critical Severity = "CRITICAL"
)

// Alert categories raised by the pipeline
const (
	CategoryUnrecognizedEvent   = "unrecognized_event"
	CategorySubmissionFailed    = "submission_failed"
	CategoryConflict            = "conflict"
	CategoryRollback            = "rollback"
	CategoryLedgerInconsistency = "ledger_inconsistency"
)

type Payload struct {
	Category  string
	Severity  Severity
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans alerts out to all registered channels. Delivery is async
// so alerting never blocks the trading path.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert implements core.IAlerter
func (m *Manager) Alert(ctx context.Context, category, message string, severity string, fields map[string]string) {
	payload := Payload{
		Category:  category,
		Severity:  Severity(severity),
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Triggering alert", "category", category, "severity", severity)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
