package repo

import (
	"context"
	"database/sql"
	"errors"

	"purchaseflow/internal/domain"
)

func (r Repo) InsertPurchase(ctx context.Context, tx *sql.Tx, p domain.Purchase) error {
	if p.ID == "" {
		return errors.New("id required")
	}
	if p.Currency == "" {
		return errors.New("currency required")
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO purchases(id,reference,currency,created_at) VALUES (?,?,?,?)`,
		p.ID, nullable(p.Reference), p.Currency, formatTime(p.CreatedAt))
	return err
}

func (r Repo) GetPurchase(ctx context.Context, tx *sql.Tx, id string) (domain.Purchase, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT id,COALESCE(reference,''),currency,created_at FROM purchases WHERE id=?`, id)
	var p domain.Purchase
	var created string
	err := row.Scan(&p.ID, &p.Reference, &p.Currency, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CreatedAt, err = parseTime(created)
	return p, err
}

// ListPurchases returns purchases newest first.
func (r Repo) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(reference,''),currency,created_at FROM purchases ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Purchase
	for rows.Next() {
		var p domain.Purchase
		var created string
		if err := rows.Scan(&p.ID, &p.Reference, &p.Currency, &created); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
