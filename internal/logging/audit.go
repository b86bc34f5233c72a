package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEventType is the kind of a security-relevant event.
type AuditEventType string

const (
	AuditVerifyAttempt  AuditEventType = "verify_attempt"
	AuditLockout        AuditEventType = "lockout"
	AuditCountermeasure AuditEventType = "countermeasure"
	AuditProvision      AuditEventType = "provision"
	AuditConfigChange   AuditEventType = "config_change"
	AuditCampaign       AuditEventType = "campaign"
)

// AuditEvent is one line of the audit log. Countermeasure events carry no
// detail about the check that fired.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"event_type"`
	Component string            `json:"component"`
	CardID    string            `json:"card_id,omitempty"`
	Result    string            `json:"result"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditLogger appends JSON audit events to a writer.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	component string
	now       func() time.Time
}

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{w: w, component: component, now: time.Now}
}

// OpenAuditLog writes events to a rotated file at path.
func OpenAuditLog(path string, maxSizeMB int64, maxBackups int, component string) (*AuditLogger, error) {
	r, err := NewFileRotator(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a := NewAuditLogger(r, component)
	a.closer = r
	return a, nil
}

// DiscardAudit returns an audit logger that drops every event.
func DiscardAudit() *AuditLogger {
	return NewAuditLogger(io.Discard, "")
}

// Log writes an event, filling in the ID, timestamp, component and request
// ID when they are empty.
func (a *AuditLogger) Log(ctx context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.now().UTC()
	}
	if ev.Component == "" {
		ev.Component = a.component
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	for k := range ev.Details {
		if isSensitive(k) {
			ev.Details[k] = redacted
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file when the logger owns one.
func (a *AuditLogger) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// LogVerifyAttempt records the outcome of a verification.
func (a *AuditLogger) LogVerifyAttempt(ctx context.Context, cardID string, success bool, retries int8) error {
	result := "failure"
	if success {
		result = "success"
	}
	return a.Log(ctx, AuditEvent{
		Type:    AuditVerifyAttempt,
		CardID:  cardID,
		Result:  result,
		Details: map[string]string{"retries_left": fmt.Sprint(retries)},
	})
}

// LogLockout records that the try counter reached zero.
func (a *AuditLogger) LogLockout(ctx context.Context, cardID string) error {
	return a.Log(ctx, AuditEvent{Type: AuditLockout, CardID: cardID, Result: "denied"})
}

// LogCountermeasure records that the card was silenced.
func (a *AuditLogger) LogCountermeasure(ctx context.Context, cardID string, tamperCount uint64) error {
	return a.Log(ctx, AuditEvent{
		Type:    AuditCountermeasure,
		CardID:  cardID,
		Result:  "muted",
		Details: map[string]string{"tamper_count": fmt.Sprint(tamperCount)},
	})
}

// LogProvision records a new reference PIN being installed.
func (a *AuditLogger) LogProvision(ctx context.Context, cardID string) error {
	return a.Log(ctx, AuditEvent{Type: AuditProvision, CardID: cardID, Result: "success"})
}

// LogConfigChange records a reloaded setting.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		Type:   AuditConfigChange,
		Result: "success",
		Details: map[string]string{
			"setting":   setting,
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogCampaign records a completed fault campaign.
func (a *AuditLogger) LogCampaign(ctx context.Context, runID string, faults, bypassed int) error {
	return a.Log(ctx, AuditEvent{
		Type:   AuditCampaign,
		Result: "success",
		Details: map[string]string{
			"run_id":   runID,
			"faults":   fmt.Sprint(faults),
			"bypassed": fmt.Sprint(bypassed),
		},
	})
}
