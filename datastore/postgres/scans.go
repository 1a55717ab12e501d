package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
)

// Tenants implements datastore.ScanStore.
func (s *Store) Tenants(ctx context.Context) (out []datastore.Tenant, err error) {
	defer observe("tenants", &err)()
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug, plan, max_assets, settings, created_at, updated_at
FROM tenants ORDER BY slug;`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTenant)
}

func scanTenant(row pgx.CollectableRow) (datastore.Tenant, error) {
	var t datastore.Tenant
	var plan string
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &plan, &t.MaxAssets, &t.Settings, &t.CreatedAt, &t.UpdatedAt)
	t.Plan = datastore.Plan(plan)
	return t, err
}

// GetTenant implements datastore.ScanStore.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (t *datastore.Tenant, err error) {
	const op = `datastore/postgres/Store.GetTenant`
	defer observe("getTenant", &err)()
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug, plan, max_assets, settings, created_at, updated_at
FROM tenants WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}
	got, err := pgx.CollectOneRow(rows, scanTenant)
	switch {
	case err == pgx.ErrNoRows:
		return nil, &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "tenant not found: " + id.String()}
	case err != nil:
		return nil, err
	}
	return &got, nil
}

// Connectors implements datastore.ScanStore.
func (s *Store) Connectors(ctx context.Context, tenant uuid.UUID, enabledOnly bool) (out []datastore.ConnectorRecord, err error) {
	defer observe("connectors", &err)()
	rows, err := s.pool.Query(ctx, `SELECT id, tenant_id, connector_type, name, config, credential_ref, enabled,
	last_sync_at, last_sync_status, created_at, updated_at
FROM connectors WHERE tenant_id = $1 AND ($2 = false OR enabled) ORDER BY name;`, tenant, enabledOnly)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (datastore.ConnectorRecord, error) {
		var c datastore.ConnectorRecord
		var status string
		err := row.Scan(&c.ID, &c.TenantID, &c.ConnectorType, &c.Name, &c.Config, &c.CredentialRef, &c.Enabled,
			&c.LastSyncAt, &status, &c.CreatedAt, &c.UpdatedAt)
		c.LastSyncStatus = datastore.ScanStatus(status)
		return c, err
	})
}

// RecordScanStart implements datastore.ScanStore.
func (s *Store) RecordScanStart(ctx context.Context, rec *datastore.ScanRecord) (err error) {
	const op = `datastore/postgres/Store.RecordScanStart`
	defer observe("recordScanStart", &err)()
	if rec.Status != datastore.ScanRunning {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "scan must start running"}
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO scan_history
	(id, tenant_id, connector_id, scan_type, target, status, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		rec.ID, rec.TenantID, rec.ConnectorID, rec.ScanType, rec.Target, string(rec.Status), rec.StartedAt)
	return err
}

// RecordScanFinish implements datastore.ScanStore.
func (s *Store) RecordScanFinish(ctx context.Context, rec *datastore.ScanRecord) (err error) {
	const op = `datastore/postgres/Store.RecordScanFinish`
	defer observe("recordScanFinish", &err)()
	if !rec.Status.Terminal() {
		return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "scan finish requires a terminal status"}
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE scan_history SET
	status = $3, nodes_found = $4, nodes_updated = $5, nodes_stale = $6,
	engram_session = $7, error_message = $8, completed_at = $9, duration_ms = $10
WHERE tenant_id = $1 AND id = $2;`,
			rec.TenantID, rec.ID, string(rec.Status), rec.NodesFound, rec.NodesUpdated, rec.NodesStale,
			rec.EngramSession, rec.ErrorMessage, rec.CompletedAt, rec.DurationMS)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &sentinel.Error{Op: op, Kind: sentinel.ErrPrecondition, Message: "scan not found: " + rec.ID.String()}
		}
		_, err = tx.Exec(ctx, `UPDATE connectors SET
	last_sync_at = coalesce($3, now()), last_sync_status = $4, updated_at = now()
WHERE tenant_id = $1 AND id = $2;`,
			rec.TenantID, rec.ConnectorID, rec.CompletedAt, string(rec.Status))
		return err
	})
}

// ListScans implements datastore.ScanStore.
func (s *Store) ListScans(ctx context.Context, tenant uuid.UUID, p datastore.Page) (out []datastore.ScanRecord, err error) {
	defer observe("listScans", &err)()
	q := `SELECT id, tenant_id, connector_id, scan_type, target, status, nodes_found, nodes_updated,
	nodes_stale, engram_session, error_message, started_at, completed_at, duration_ms
FROM scan_history WHERE tenant_id = $1 ORDER BY started_at DESC`
	args := []any{tenant}
	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += ` LIMIT $` + itoa(len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		q += ` OFFSET $` + itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, q+`;`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (datastore.ScanRecord, error) {
		var r datastore.ScanRecord
		var status string
		err := row.Scan(&r.ID, &r.TenantID, &r.ConnectorID, &r.ScanType, &r.Target, &status, &r.NodesFound,
			&r.NodesUpdated, &r.NodesStale, &r.EngramSession, &r.ErrorMessage, &r.StartedAt, &r.CompletedAt, &r.DurationMS)
		r.Status = datastore.ScanStatus(status)
		return r, err
	})
}

// AppendAudit implements datastore.ScanStore.
func (s *Store) AppendAudit(ctx context.Context, e *datastore.AuditEntry) (err error) {
	defer observe("appendAudit", &err)()
	id := e.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO audit_log
	(id, tenant_id, user_id, action, resource_type, resource_id, details, ip_address, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, coalesce($9, now()));`,
		id, e.TenantID, e.UserID, e.Action, e.ResourceType, e.ResourceID, e.Details, e.IPAddress, nullable(e.CreatedAt))
	return err
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
