package mock

import (
	"context"
	"sync"

	"signal_trader/internal/core"
)

// MockLogger implements core.ILogger and discards everything
type MockLogger struct{}

func NewMockLogger() *MockLogger { return &MockLogger{} }

func (l *MockLogger) Debug(msg string, fields ...interface{})               {}
func (l *MockLogger) Info(msg string, fields ...interface{})                {}
func (l *MockLogger) Warn(msg string, fields ...interface{})                {}
func (l *MockLogger) Error(msg string, fields ...interface{})               {}
func (l *MockLogger) Fatal(msg string, fields ...interface{})               {}
func (l *MockLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *MockLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

// RecordedAlert captures one Alert call
type RecordedAlert struct {
	Category string
	Message  string
	Severity string
	Fields   map[string]string
}

// MockAlerter implements core.IAlerter and records calls for assertions
type MockAlerter struct {
	mu     sync.Mutex
	alerts []RecordedAlert
}

func NewMockAlerter() *MockAlerter { return &MockAlerter{} }

func (a *MockAlerter) Alert(ctx context.Context, category, message string, severity string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, RecordedAlert{
		Category: category,
		Message:  message,
		Severity: severity,
		Fields:   fields,
	})
}

// Alerts returns a copy of the recorded alerts
func (a *MockAlerter) Alerts() []RecordedAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RecordedAlert, len(a.alerts))
	copy(out, a.alerts)
	return out
}

// ByCategory returns recorded alerts matching a category
func (a *MockAlerter) ByCategory(category string) []RecordedAlert {
	var out []RecordedAlert
	for _, al := range a.Alerts() {
		if al.Category == category {
			out = append(out, al)
		}
	}
	return out
}
