package tkey

import (
	"context"
	"log/slog"
	"time"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Share lifecycle events
	AuditEventKeyCreated       AuditEventType = "key_created"
	AuditEventKeyReconstructed AuditEventType = "key_reconstructed"
	AuditEventShareGenerated   AuditEventType = "share_generated"
	AuditEventShareDeleted     AuditEventType = "share_deleted"
	AuditEventShareInput       AuditEventType = "share_input"
	AuditEventSharesRefreshed  AuditEventType = "shares_refreshed"
	AuditEventKeyDeleted       AuditEventType = "key_deleted"

	// Sync events
	AuditEventSync AuditEventType = "sync"

	// TSS events
	AuditEventTSSInitialized AuditEventType = "tss_initialized"
	AuditEventTSSRefreshed   AuditEventType = "tss_refreshed"
	AuditEventTSSImported    AuditEventType = "tss_imported"
	AuditEventTSSExported    AuditEventType = "tss_exported"

	// Error events
	AuditEventValidationFailure AuditEventType = "validation_failure"
	AuditEventError             AuditEventType = "error"
)

// AuditEventReason represents why an event occurred
type AuditEventReason string

const (
	ReasonInitialization  AuditEventReason = "initialization"
	ReasonUserRequest     AuditEventReason = "user_request"
	ReasonFactorChange    AuditEventReason = "factor_change"
	ReasonImport          AuditEventReason = "import"
	ReasonRecovery        AuditEventReason = "recovery"
	ReasonAutoSync        AuditEventReason = "auto_sync"
	ReasonManualSync      AuditEventReason = "manual_sync"
	ReasonValidationError AuditEventReason = "validation_error"
)

// AuditEvent represents a single audit event
type AuditEvent struct {
	// Event metadata
	EventID   string           `json:"event_id"`
	Timestamp time.Time        `json:"timestamp"`
	EventType AuditEventType   `json:"event_type"`
	Reason    AuditEventReason `json:"reason"`

	// Key context
	PubKey       string `json:"pub_key,omitempty"`
	PolynomialID string `json:"polynomial_id,omitempty"`
	Nonce        int    `json:"nonce,omitempty"`

	// Success/failure information
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Additional context
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ShareLifecycleEvent describes a change to the main key's share set
type ShareLifecycleEvent struct {
	AuditEvent

	ShareIndexes []string      `json:"share_indexes,omitempty"`
	Threshold    int           `json:"threshold"`
	Duration     time.Duration `json:"duration"`
}

// SyncEvent describes one attempt to flush the local transition log
type SyncEvent struct {
	AuditEvent

	Transitions    int  `json:"transitions"`
	LockContention bool `json:"lock_contention"`
}

// TSSLifecycleEvent describes a change to a TSS tag
type TSSLifecycleEvent struct {
	AuditEvent

	Tag        string `json:"tag"`
	TSSNonce   int    `json:"tss_nonce"`
	FactorPubs int    `json:"factor_pubs"`
}

// ValidationFailureEvent contains details about validation failures
type ValidationFailureEvent struct {
	AuditEvent

	// Validation-specific fields
	ValidationType string                 `json:"validation_type"` // "threshold", "share", "configuration"
	FailureReason  string                 `json:"failure_reason"`
	InputValues    map[string]interface{} `json:"input_values,omitempty"`
}

// AuditEventHandler defines the interface for handling audit events.
// Applications implement this interface to record events according to their needs.
type AuditEventHandler interface {
	// OnShareLifecycle is called when shares are created, refreshed or removed
	OnShareLifecycle(event *ShareLifecycleEvent)

	// OnSync is called after every sync attempt
	OnSync(event *SyncEvent)

	// OnTSSLifecycle is called when a TSS tag changes
	OnTSSLifecycle(event *TSSLifecycleEvent)

	// OnValidationFailure is called when validation fails
	OnValidationFailure(event *ValidationFailureEvent)

	// OnError is called for general error events
	OnError(event *AuditEvent)
}

// NullAuditHandler is a no-op implementation of AuditEventHandler
type NullAuditHandler struct{}

func (n *NullAuditHandler) OnShareLifecycle(event *ShareLifecycleEvent)       {}
func (n *NullAuditHandler) OnSync(event *SyncEvent)                           {}
func (n *NullAuditHandler) OnTSSLifecycle(event *TSSLifecycleEvent)           {}
func (n *NullAuditHandler) OnValidationFailure(event *ValidationFailureEvent) {}
func (n *NullAuditHandler) OnError(event *AuditEvent)                         {}

// SlogAuditHandler writes every audit event to a structured logger.
type SlogAuditHandler struct {
	Log *slog.Logger
}

// NewSlogAuditHandler returns a handler logging at Info, failures at Warn.
func NewSlogAuditHandler(log *slog.Logger) *SlogAuditHandler {
	return &SlogAuditHandler{Log: log}
}

func (h *SlogAuditHandler) log(event *AuditEvent, attrs ...slog.Attr) {
	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	base := []slog.Attr{
		slog.String("event_id", event.EventID),
		slog.String("type", string(event.EventType)),
		slog.String("reason", string(event.Reason)),
		slog.Bool("success", event.Success),
	}
	if event.PubKey != "" {
		base = append(base, slog.String("pub_key", event.PubKey))
	}
	if event.Error != "" {
		base = append(base, slog.String("error", event.Error))
	}
	h.Log.LogAttrs(context.Background(), level, "audit", append(base, attrs...)...)
}

func (h *SlogAuditHandler) OnShareLifecycle(event *ShareLifecycleEvent) {
	h.log(&event.AuditEvent,
		slog.Any("share_indexes", event.ShareIndexes),
		slog.Int("threshold", event.Threshold),
		slog.Duration("duration", event.Duration))
}

func (h *SlogAuditHandler) OnSync(event *SyncEvent) {
	h.log(&event.AuditEvent,
		slog.Int("transitions", event.Transitions),
		slog.Bool("lock_contention", event.LockContention))
}

func (h *SlogAuditHandler) OnTSSLifecycle(event *TSSLifecycleEvent) {
	h.log(&event.AuditEvent,
		slog.String("tag", event.Tag),
		slog.Int("tss_nonce", event.TSSNonce),
		slog.Int("factor_pubs", event.FactorPubs))
}

func (h *SlogAuditHandler) OnValidationFailure(event *ValidationFailureEvent) {
	h.log(&event.AuditEvent,
		slog.String("validation_type", event.ValidationType),
		slog.String("failure_reason", event.FailureReason))
}

func (h *SlogAuditHandler) OnError(event *AuditEvent) {
	h.log(event)
}

// AuditEventBuilder helps construct audit events with proper defaults
type AuditEventBuilder struct {
	event *AuditEvent
}

// NewAuditEventBuilder creates a new audit event builder
func NewAuditEventBuilder(eventType AuditEventType, reason AuditEventReason) *AuditEventBuilder {
	return &AuditEventBuilder{
		event: &AuditEvent{
			EventID:   generateEventID(),
			Timestamp: time.Now(),
			EventType: eventType,
			Reason:    reason,
			Success:   true, // Default to success, can be overridden
			Metadata:  make(map[string]interface{}),
		},
	}
}

// WithKey sets the public key and polynomial the event refers to
func (b *AuditEventBuilder) WithKey(pubKey Point, polyID string) *AuditEventBuilder {
	if pubKey != nil && !pubKey.IsIdentity() {
		b.event.PubKey = PointHex(pubKey)
	}
	b.event.PolynomialID = polyID
	return b
}

// WithNonce sets the metadata nonce for the event
func (b *AuditEventBuilder) WithNonce(nonce int) *AuditEventBuilder {
	b.event.Nonce = nonce
	return b
}

// WithError marks the event as failed and sets error information
func (b *AuditEventBuilder) WithError(err error) *AuditEventBuilder {
	b.event.Success = false
	if err != nil {
		b.event.Error = err.Error()
	}
	return b
}

// WithMetadata adds metadata to the event
func (b *AuditEventBuilder) WithMetadata(key string, value interface{}) *AuditEventBuilder {
	b.event.Metadata[key] = value
	return b
}

// Build returns the constructed audit event
func (b *AuditEventBuilder) Build() *AuditEvent {
	return b.event
}

// BuildShareLifecycle returns a ShareLifecycleEvent
func (b *AuditEventBuilder) BuildShareLifecycle(indexes []string, threshold int, duration time.Duration) *ShareLifecycleEvent {
	return &ShareLifecycleEvent{
		AuditEvent:   *b.event,
		ShareIndexes: indexes,
		Threshold:    threshold,
		Duration:     duration,
	}
}

// BuildSync returns a SyncEvent
func (b *AuditEventBuilder) BuildSync(transitions int, contention bool) *SyncEvent {
	return &SyncEvent{
		AuditEvent:     *b.event,
		Transitions:    transitions,
		LockContention: contention,
	}
}

// BuildTSSLifecycle returns a TSSLifecycleEvent
func (b *AuditEventBuilder) BuildTSSLifecycle(tag string, tssNonce, factorPubs int) *TSSLifecycleEvent {
	return &TSSLifecycleEvent{
		AuditEvent: *b.event,
		Tag:        tag,
		TSSNonce:   tssNonce,
		FactorPubs: factorPubs,
	}
}

// BuildValidationFailure returns a ValidationFailureEvent
func (b *AuditEventBuilder) BuildValidationFailure(validationType, failureReason string, inputValues map[string]interface{}) *ValidationFailureEvent {
	return &ValidationFailureEvent{
		AuditEvent:     *b.event,
		ValidationType: validationType,
		FailureReason:  failureReason,
		InputValues:    inputValues,
	}
}

func generateEventID() string {
	return newID()
}
