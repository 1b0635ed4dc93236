package audit

import (
	"context"
	"errors"
	"testing"

	"clinicore.org/internal/store"
	"clinicore.org/internal/store/memory"
)

func TestRecorderPersistsEntry(t *testing.T) {
	st := memory.New()
	rec, err := NewRecorder(st, 8)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.Record(context.Background(), store.AuditEntry{
		OrganizationID: 7,
		UserID:         42,
		Action:         "role.update",
		ResourceType:   "role",
		ResourceID:     "nurse",
		Detail:         map[string]string{"module": "patients"},
	})
	rec.Close()

	entries := st.AuditEntries(7)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID == "" {
		t.Fatal("expected generated id")
	}
	if e.Status != StatusSuccess {
		t.Fatalf("expected default status, got %s", e.Status)
	}
	if e.CreatedAt.IsZero() {
		t.Fatal("expected timestamp")
	}
	if e.Action != "role.update" || e.UserID != 42 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestRecorderScopesEntriesByOrganization(t *testing.T) {
	st := memory.New()
	rec, err := NewRecorder(st, 8)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.Record(context.Background(), store.AuditEntry{OrganizationID: 1, UserID: 1, Action: "a"})
	rec.Record(context.Background(), store.AuditEntry{OrganizationID: 2, UserID: 2, Action: "b"})
	rec.Close()

	if got := len(st.AuditEntries(1)); got != 1 {
		t.Fatalf("org 1 expected 1 entry, got %d", got)
	}
	if got := len(st.AuditEntries(2)); got != 1 {
		t.Fatalf("org 2 expected 1 entry, got %d", got)
	}
}

type failingAuditStore struct {
	store.Store
}

func (f *failingAuditStore) CreateAuditTrailEntry(context.Context, store.AuditEntry) error {
	return errors.New("disk on fire")
}

func TestRecorderSwallowsStoreFailure(t *testing.T) {
	rec, err := NewRecorder(&failingAuditStore{Store: memory.New()}, 8)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	// Must not panic or surface the failure to the caller.
	rec.Record(context.Background(), store.AuditEntry{OrganizationID: 1, UserID: 1, Action: "x"})
	rec.Close()
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	st := memory.New()
	rec, err := NewRecorder(st, 8)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	rec.Close()

	rec.Record(context.Background(), store.AuditEntry{OrganizationID: 1, UserID: 1, Action: "late"})
	if got := len(st.AuditEntries(1)); got != 0 {
		t.Fatalf("expected no entries after close, got %d", got)
	}
}
