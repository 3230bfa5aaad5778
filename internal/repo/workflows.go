package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"purchaseflow/internal/domain"
)

// InsertWorkflow stores a new workflow document at version 1.
func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) (domain.Workflow, error) {
	wf.Version = 1
	doc, err := json.Marshal(wf)
	if err != nil {
		return wf, fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO workflows(id,purchase_id,version,finalized,doc_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		wf.ID, wf.PurchaseID, wf.Version, boolInt(wf.Finalized), string(doc), formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt))
	if err != nil {
		return wf, err
	}
	return wf, nil
}

// GetWorkflowByPurchase loads the workflow document of a purchase.
func (r Repo) GetWorkflowByPurchase(ctx context.Context, tx *sql.Tx, purchaseID string) (domain.Workflow, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT version,doc_json FROM workflows WHERE purchase_id=?`, purchaseID)
	var (
		wf      domain.Workflow
		version int64
		doc     string
	)
	err := row.Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	if err := json.Unmarshal([]byte(doc), &wf); err != nil {
		return wf, fmt.Errorf("decode workflow for purchase %s: %w", purchaseID, err)
	}
	wf.Version = version
	return wf, nil
}

// SaveWorkflow writes wf if the stored version still equals wf.Version and
// returns it stamped with the next version. A stale version yields ErrConflict.
func (r Repo) SaveWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) (domain.Workflow, error) {
	expected := wf.Version
	next := wf
	next.Version = expected + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return wf, fmt.Errorf("marshal workflow: %w", err)
	}
	q := r.on(tx)
	res, err := q.ExecContext(ctx, `UPDATE workflows SET version=?, finalized=?, doc_json=?, updated_at=? WHERE id=? AND version=?`,
		next.Version, boolInt(next.Finalized), string(doc), formatTime(next.UpdatedAt), next.ID, expected)
	if err != nil {
		return wf, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id=?`, next.ID).Scan(&exists); err != nil {
			return wf, err
		}
		if exists == 0 {
			return wf, ErrNotFound
		}
		return wf, fmt.Errorf("workflow %s at version %d: %w", wf.ID, expected, ErrConflict)
	}
	return next, nil
}

// WorkflowCounts returns the number of open and finalized workflows.
func (r Repo) WorkflowCounts(ctx context.Context) (open, finalized int, err error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT finalized, COUNT(*) FROM workflows GROUP BY finalized`)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var flag, n int
		if err := rows.Scan(&flag, &n); err != nil {
			return 0, 0, err
		}
		if flag == 1 {
			finalized = n
		} else {
			open = n
		}
	}
	return open, finalized, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
