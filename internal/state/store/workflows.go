package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/weftworks/weft/internal/engine"
)

// WorkflowStore persists full workflow snapshots as JSON alongside the
// columns the list and retention queries need.
type WorkflowStore struct {
	db *DB
}

// NewWorkflowStore returns a workflow store that uses the given DB.
func NewWorkflowStore(db *DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// Save upserts a snapshot. Every state change overwrites the previous row.
func (s *WorkflowStore) Save(wf *engine.Workflow) error {
	snapshot, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("workflow %s: marshal: %w", wf.ID, err)
	}
	_, err = s.db.SQLDB().Exec(s.db.rebind(
		`INSERT INTO workflows (id, owner_id, title, status, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   snapshot = excluded.snapshot,
		   updated_at = excluded.updated_at`),
		wf.ID, wf.OwnerID, wf.Title, string(wf.Status), string(snapshot),
		wf.CreatedAt.UTC().Format(time.RFC3339), wf.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("workflow %s: persist: %w", wf.ID, err)
	}
	return nil
}

// Get loads one workflow snapshot by id.
func (s *WorkflowStore) Get(id string) (*engine.Workflow, error) {
	var snapshot string
	err := s.db.SQLDB().QueryRow(s.db.rebind(
		`SELECT snapshot FROM workflows WHERE id = ?`), id).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow %q: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", id, err)
	}
	var wf engine.Workflow
	if err := json.Unmarshal([]byte(snapshot), &wf); err != nil {
		return nil, fmt.Errorf("workflow %q: unmarshal: %w", id, err)
	}
	return &wf, nil
}

// ListByOwner returns the owner's workflows, newest first.
func (s *WorkflowStore) ListByOwner(ownerID string) ([]*engine.Workflow, error) {
	rows, err := s.db.SQLDB().Query(s.db.rebind(
		`SELECT snapshot FROM workflows WHERE owner_id = ? ORDER BY created_at DESC`), ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*engine.Workflow
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var wf engine.Workflow
		if err := json.Unmarshal([]byte(snapshot), &wf); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// PurgeTerminalBefore deletes terminal workflows last updated before the
// cutoff. Returns how many rows went away.
func (s *WorkflowStore) PurgeTerminalBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.SQLDB().Exec(s.db.rebind(
		`DELETE FROM workflows
		 WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`),
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("purge workflows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Record implements the engine's Recorder. Persistence failures must not
// stall the scheduler, so they are logged and swallowed here.
func (s *WorkflowStore) Record(wf *engine.Workflow) {
	if err := s.Save(wf); err != nil {
		log.Printf("store: record workflow %s: %v", wf.ID, err)
	}
}
