// Package audit appends immutable, organization-scoped audit entries for
// every mutating tenant-scoped operation. Recording is fire-and-forget
// relative to the request: a failed write is logged, never surfaced.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"clinicore.org/internal/ids"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/store"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"

	defaultBuffer = 256
	writeTimeout  = 5 * time.Second
)

// Recorder drains queued entries into the store on a background worker.
type Recorder struct {
	store store.Store
	ch    chan store.AuditEntry
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRecorder constructs a Recorder and starts its worker. buffer <= 0
// selects the default queue size.
func NewRecorder(st store.Store, buffer int) (*Recorder, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	r := &Recorder{
		store: st,
		ch:    make(chan store.AuditEntry, buffer),
	}
	r.wg.Add(1)
	go r.drain()
	return r, nil
}

// Record enqueues an audit entry without blocking the caller. Missing id,
// status and timestamp fields are filled in. A full queue drops the entry
// and counts the drop; the business operation is never failed.
func (r *Recorder) Record(_ context.Context, entry store.AuditEntry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.Status == "" {
		entry.Status = StatusSuccess
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- entry:
	default:
		obs.AuditDropped()
		obs.Log("error", "audit_queue_full", map[string]any{
			"action":          entry.Action,
			"organization_id": entry.OrganizationID,
		})
	}
}

// Close stops accepting entries and drains the queue.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for entry := range r.ch {
		r.write(entry)
	}
}

func (r *Recorder) write(entry store.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.CreateAuditTrailEntry(ctx, entry); err != nil {
		obs.Log("error", "audit_write_failed", map[string]any{
			"action":          entry.Action,
			"organization_id": entry.OrganizationID,
			"error":           err.Error(),
		})
		return
	}

	obs.Log("info", "audit", map[string]any{
		"audit_id":        entry.ID,
		"organization_id": entry.OrganizationID,
		"user_id":         entry.UserID,
		"action":          entry.Action,
		"resource_type":   entry.ResourceType,
		"resource_id":     entry.ResourceID,
		"status":          entry.Status,
	})
}
