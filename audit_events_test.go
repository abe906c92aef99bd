package tkey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// MockAuditHandler is a test implementation of AuditEventHandler
type MockAuditHandler struct {
	events             []AuditEvent
	shareLifecycle     []*ShareLifecycleEvent
	syncs              []*SyncEvent
	tssLifecycle       []*TSSLifecycleEvent
	validationFailures []*ValidationFailureEvent
	errors             []*AuditEvent
}

func NewMockAuditHandler() *MockAuditHandler {
	return &MockAuditHandler{}
}

func (h *MockAuditHandler) OnShareLifecycle(event *ShareLifecycleEvent) {
	h.shareLifecycle = append(h.shareLifecycle, event)
	h.events = append(h.events, event.AuditEvent)
}

func (h *MockAuditHandler) OnSync(event *SyncEvent) {
	h.syncs = append(h.syncs, event)
	h.events = append(h.events, event.AuditEvent)
}

func (h *MockAuditHandler) OnTSSLifecycle(event *TSSLifecycleEvent) {
	h.tssLifecycle = append(h.tssLifecycle, event)
	h.events = append(h.events, event.AuditEvent)
}

func (h *MockAuditHandler) OnValidationFailure(event *ValidationFailureEvent) {
	h.validationFailures = append(h.validationFailures, event)
	h.events = append(h.events, event.AuditEvent)
}

func (h *MockAuditHandler) OnError(event *AuditEvent) {
	h.errors = append(h.errors, event)
	h.events = append(h.events, *event)
}

func (h *MockAuditHandler) GetEventCount() int {
	return len(h.events)
}

func (h *MockAuditHandler) eventTypes() []AuditEventType {
	types := make([]AuditEventType, 0, len(h.events))
	for _, e := range h.events {
		types = append(types, e.EventType)
	}
	return types
}

// TestAuditEventCreation tests audit event creation and serialization
func TestAuditEventCreation(t *testing.T) {
	curve := NewSecp256k1Curve()
	pub := curve.BasePoint().Mul(curve.ScalarFromInt(5))

	t.Run("BasicAuditEvent", func(t *testing.T) {
		event := NewAuditEventBuilder(AuditEventShareGenerated, ReasonUserRequest).
			WithKey(pub, "poly").
			WithNonce(4).
			WithMetadata("test_key", "test_value").
			Build()

		if event.EventType != AuditEventShareGenerated {
			t.Errorf("Expected event type %s, got %s", AuditEventShareGenerated, event.EventType)
		}
		if event.Reason != ReasonUserRequest {
			t.Errorf("Expected reason %s, got %s", ReasonUserRequest, event.Reason)
		}
		if event.PubKey != PointHex(pub) || event.PolynomialID != "poly" || event.Nonce != 4 {
			t.Errorf("Key context not preserved: %+v", event)
		}
		if event.Metadata["test_key"] != "test_value" {
			t.Error("Metadata should be preserved")
		}
		if event.EventID == "" {
			t.Error("Event should have an ID")
		}
		if event.Timestamp.IsZero() {
			t.Error("Event should have a timestamp")
		}
		if !event.Success {
			t.Error("Events should default to success")
		}
	})

	t.Run("IdentityKeyOmitted", func(t *testing.T) {
		event := NewAuditEventBuilder(AuditEventSync, ReasonAutoSync).WithKey(curve.PointIdentity(), "").Build()
		if event.PubKey != "" {
			t.Errorf("Identity point should not be recorded, got %q", event.PubKey)
		}
	})

	t.Run("ErrorEvent", func(t *testing.T) {
		event := NewAuditEventBuilder(AuditEventError, ReasonRecovery).
			WithError(errors.New("boom")).
			Build()
		if event.Success {
			t.Error("Event with error should not be successful")
		}
		if event.Error != "boom" {
			t.Errorf("Expected error message 'boom', got %q", event.Error)
		}
	})

	t.Run("TypedEvents", func(t *testing.T) {
		b := NewAuditEventBuilder(AuditEventTSSRefreshed, ReasonFactorChange)
		tss := b.BuildTSSLifecycle("default", 3, 2)
		if tss.Tag != "default" || tss.TSSNonce != 3 || tss.FactorPubs != 2 {
			t.Errorf("Unexpected TSS event: %+v", tss)
		}
		sync := b.BuildSync(5, true)
		if sync.Transitions != 5 || !sync.LockContention {
			t.Errorf("Unexpected sync event: %+v", sync)
		}
		share := b.BuildShareLifecycle([]string{"01", "02"}, 2, time.Second)
		if len(share.ShareIndexes) != 2 || share.Threshold != 2 || share.Duration != time.Second {
			t.Errorf("Unexpected share event: %+v", share)
		}
		if share.EventID != tss.EventID {
			t.Error("Typed events built from one builder share the base event")
		}
	})

	t.Run("EventSerialization", func(t *testing.T) {
		event := NewAuditEventBuilder(AuditEventValidationFailure, ReasonValidationError).
			WithError(errors.New("bad share")).
			BuildValidationFailure("share", "share does not match", map[string]interface{}{"index": "02"})

		data, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("Failed to serialize event: %v", err)
		}
		var decoded ValidationFailureEvent
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Failed to deserialize event: %v", err)
		}
		if decoded.EventID != event.EventID {
			t.Error("Event ID should be preserved")
		}
		if decoded.ValidationType != "share" || decoded.InputValues["index"] != "02" {
			t.Errorf("Validation fields not preserved: %+v", decoded)
		}
	})
}

// TestAuditEventsFromKeyOperations checks which events key operations emit
func TestAuditEventsFromKeyOperations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	handler := NewMockAuditHandler()
	tk := env.newKey(t, func(o *Options) { o.Audit = handler })

	factorKey, factorPub := newFactorKey(t)
	initialize(t, tk, InitializeOptions{UseTSS: true, FactorPub: factorPub})
	if len(handler.shareLifecycle) != 1 || handler.shareLifecycle[0].EventType != AuditEventKeyCreated {
		t.Fatalf("Expected one key_created event, got %v", handler.eventTypes())
	}
	if handler.shareLifecycle[0].Threshold != 2 || len(handler.shareLifecycle[0].ShareIndexes) != 2 {
		t.Errorf("Unexpected key_created event: %+v", handler.shareLifecycle[0])
	}
	if len(handler.tssLifecycle) != 1 || handler.tssLifecycle[0].Tag != DefaultTSSTag {
		t.Errorf("Expected one tss_initialized event, got %v", handler.eventTypes())
	}
	if len(handler.syncs) != 1 || !handler.syncs[0].Success || handler.syncs[0].Reason != ReasonAutoSync {
		t.Errorf("Expected one successful auto sync, got %+v", handler.syncs)
	}

	if _, err := tk.GenerateNewShare(ctx, nil); err != nil {
		t.Fatalf("GenerateNewShare: %v", err)
	}
	last := handler.shareLifecycle[len(handler.shareLifecycle)-1]
	if last.EventType != AuditEventShareGenerated {
		t.Errorf("Expected share_generated, got %s", last.EventType)
	}

	newPub := NewSecp256k1Curve().BasePoint().Mul(NewSecp256k1Curve().ScalarFromInt(9))
	if err := tk.AddFactorPub(ctx, factorKey, newPub, 3); err != nil {
		t.Fatalf("AddFactorPub: %v", err)
	}
	refresh := handler.tssLifecycle[len(handler.tssLifecycle)-1]
	if refresh.EventType != AuditEventTSSRefreshed || refresh.TSSNonce != 1 || refresh.FactorPubs != 2 {
		t.Errorf("Unexpected TSS refresh event: %+v", refresh)
	}

	// A share with a tampered value fails validation.
	store := deviceShare(t, tk)
	bad := NewShareStore(NewShare(store.Share.Index, store.Share.Value.Add(tk.Curve().ScalarOne())), store.PolynomialID)
	if err := tk.InputShareStoreSafe(ctx, bad, true); !errors.Is(err, ErrShareNotFound) {
		t.Errorf("Expected ErrShareNotFound, got %v", err)
	}
	if len(handler.validationFailures) != 1 || handler.validationFailures[0].ValidationType != "share" {
		t.Errorf("Expected one share validation failure, got %+v", handler.validationFailures)
	}
	if len(handler.errors) != 0 {
		t.Errorf("Expected no error events, got %d", len(handler.errors))
	}
}

// TestAuditSyncContention checks the sync event of a lost race
func TestAuditSyncContention(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tk := env.newKey(t)
	initialize(t, tk, InitializeOptions{})

	handler := NewMockAuditHandler()
	stale := env.newKey(t, manual, func(o *Options) { o.Audit = handler })
	initialize(t, stale, InitializeOptions{})

	if err := tk.AddShareDescription(ctx, deviceShare(t, tk).IndexHex(), "first"); err != nil {
		t.Fatalf("AddShareDescription: %v", err)
	}
	if err := stale.AddShareDescription(ctx, deviceShare(t, tk).IndexHex(), "second"); err != nil {
		t.Fatalf("AddShareDescription: %v", err)
	}
	if err := stale.SyncLocalMetadataTransitions(ctx); !errors.Is(err, ErrLockContention) {
		t.Fatalf("Expected ErrLockContention, got %v", err)
	}

	if len(handler.syncs) != 1 {
		t.Fatalf("Expected one sync event, got %d", len(handler.syncs))
	}
	event := handler.syncs[0]
	if event.Success || !event.LockContention || event.Reason != ReasonManualSync || event.Transitions != 1 {
		t.Errorf("Unexpected sync event: %+v", event)
	}
}

// TestSlogAuditHandler checks the structured log output of the slog handler
func TestSlogAuditHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewSlogAuditHandler(slog.New(slog.NewJSONHandler(&buf, nil)))

	h.OnSync(NewAuditEventBuilder(AuditEventSync, ReasonManualSync).
		WithError(ErrLockContention).
		BuildSync(2, true))
	h.OnTSSLifecycle(NewAuditEventBuilder(AuditEventTSSImported, ReasonImport).BuildTSSLifecycle("imported", 0, 1))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("Failed to parse log line: %v", err)
	}
	if first["level"] != "WARN" || first["type"] != string(AuditEventSync) || first["lock_contention"] != true {
		t.Errorf("Unexpected sync log line: %v", first)
	}
	if !strings.Contains(first["error"].(string), "unable to acquire lock") {
		t.Errorf("Expected the error in the log line, got %v", first["error"])
	}

	var second map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("Failed to parse log line: %v", err)
	}
	if second["level"] != "INFO" || second["tag"] != "imported" {
		t.Errorf("Unexpected TSS log line: %v", second)
	}

	var null NullAuditHandler
	null.OnError(&AuditEvent{})
}
