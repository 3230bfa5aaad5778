package repo

import (
	"context"
	"database/sql"
	"errors"

	"purchaseflow/internal/domain"
)

func (r Repo) InsertYard(ctx context.Context, tx *sql.Tx, y domain.Yard) error {
	if y.ID == "" || y.Name == "" {
		return errors.New("yard id and name required")
	}
	if y.Status == "" {
		y.Status = domain.YardActive
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO yards(id,name,status,created_at) VALUES (?,?,?,?)`,
		y.ID, y.Name, string(y.Status), formatTime(y.CreatedAt))
	return err
}

func (r Repo) GetYard(ctx context.Context, tx *sql.Tx, id string) (domain.Yard, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT id,name,status,created_at FROM yards WHERE id=?`, id)
	var y domain.Yard
	var status, created string
	err := row.Scan(&y.ID, &y.Name, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return y, ErrNotFound
	}
	if err != nil {
		return y, err
	}
	y.Status = domain.YardStatus(status)
	y.CreatedAt, err = parseTime(created)
	return y, err
}

// ListYards returns yards ordered by name; status filters when non-empty.
func (r Repo) ListYards(ctx context.Context, status domain.YardStatus) ([]domain.Yard, error) {
	query := `SELECT id,name,status,created_at FROM yards`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY name ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Yard
	for rows.Next() {
		var y domain.Yard
		var st, created string
		if err := rows.Scan(&y.ID, &y.Name, &st, &created); err != nil {
			return nil, err
		}
		y.Status = domain.YardStatus(st)
		if y.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, y)
	}
	return res, rows.Err()
}

func (r Repo) SetYardStatus(ctx context.Context, tx *sql.Tx, id string, status domain.YardStatus) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE yards SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
