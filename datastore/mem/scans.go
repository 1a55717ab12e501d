package mem

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
)

// AddTenant seeds one tenant. Intended for tests and bootstrap.
func (s *Store) AddTenant(t datastore.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tenants[t.ID] = &cp
}

// AddConnector seeds one connector row.
func (s *Store) AddConnector(c datastore.ConnectorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.connectors[c.TenantID] = append(s.connectors[c.TenantID], &cp)
}

// Tenants implements datastore.ScanStore.
func (s *Store) Tenants(_ context.Context) ([]datastore.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datastore.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// GetTenant implements datastore.ScanStore.
func (s *Store) GetTenant(_ context.Context, id uuid.UUID) (*datastore.Tenant, error) {
	const op = `datastore/mem/Store.GetTenant`
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "tenant not found: " + id.String()}
	}
	cp := *t
	return &cp, nil
}

// Connectors implements datastore.ScanStore.
func (s *Store) Connectors(_ context.Context, tenant uuid.UUID, enabledOnly bool) ([]datastore.ConnectorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datastore.ConnectorRecord
	for _, c := range s.connectors[tenant] {
		if enabledOnly && !c.Enabled {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RecordScanStart implements datastore.ScanStore.
func (s *Store) RecordScanStart(_ context.Context, rec *datastore.ScanRecord) error {
	const op = `datastore/mem/Store.RecordScanStart`
	if rec.Status != datastore.ScanRunning {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "scan must start running"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.scans[rec.TenantID] = append(s.scans[rec.TenantID], &cp)
	return nil
}

// RecordScanFinish implements datastore.ScanStore.
func (s *Store) RecordScanFinish(_ context.Context, rec *datastore.ScanRecord) error {
	const op = `datastore/mem/Store.RecordScanFinish`
	if !rec.Status.Terminal() {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "scan finish requires a terminal status"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.scans[rec.TenantID] {
		if cur.ID != rec.ID {
			continue
		}
		*cur = *rec
		for _, c := range s.connectors[rec.TenantID] {
			if c.ID == rec.ConnectorID {
				at := completedAt(rec)
				c.LastSyncAt = &at
				c.LastSyncStatus = rec.Status
			}
		}
		return nil
	}
	return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "scan not found: " + rec.ID.String()}
}

func completedAt(rec *datastore.ScanRecord) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	return rec.StartedAt
}

// ListScans implements datastore.ScanStore.
func (s *Store) ListScans(_ context.Context, tenant uuid.UUID, p datastore.Page) ([]datastore.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datastore.ScanRecord, 0, len(s.scans[tenant]))
	for _, r := range s.scans[tenant] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return paginate(out, p), nil
}

// AppendAudit implements datastore.ScanStore.
func (s *Store) AppendAudit(_ context.Context, e *datastore.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.audits[e.TenantID] = append(s.audits[e.TenantID], &cp)
	return nil
}
