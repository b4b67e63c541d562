package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeventeLantos/dispatcher/internal/model"
)

type PostgresDeadLetterRepo struct {
	db *sql.DB
}

func NewPostgresDeadLetterRepo(db *sql.DB) *PostgresDeadLetterRepo {
	return &PostgresDeadLetterRepo{db: db}
}

func (r *PostgresDeadLetterRepo) Insert(ctx context.Context, d *model.DeadLetter) error {
	payload, err := json.Marshal(d.Content)
	if err != nil {
		return fmt.Errorf("encode dead letter payload: %w", err)
	}

	var lastExc sql.NullString
	if d.LastException != nil {
		lastExc = sql.NullString{String: *d.LastException, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (
		    id, message_id, channel, payload, attempts,
		    error_code, error_message, last_exception, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, d.MessageID, string(d.Channel), payload, d.Attempts,
		d.ErrorCode, d.ErrorMessage, lastExc, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *PostgresDeadLetterRepo) Get(ctx context.Context, id string) (*model.DeadLetter, error) {
	d, err := scanDeadLetter(r.db.QueryRowContext(ctx, `
		SELECT id, message_id, channel, payload, attempts,
		       error_code, error_message, last_exception, created_at
		FROM dead_letters
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return d, nil
}

func (r *PostgresDeadLetterRepo) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	limit, _ = normalizeLimit(limit, 0)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, channel, payload, attempts,
		       error_code, error_message, last_exception, created_at
		FROM dead_letters
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *PostgresDeadLetterRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeadLetterRepo) DeleteAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanDeadLetter(row rowScanner) (*model.DeadLetter, error) {
	var (
		d       model.DeadLetter
		channel string
		payload []byte
		lastExc sql.NullString
	)

	if err := row.Scan(
		&d.ID,
		&d.MessageID,
		&channel,
		&payload,
		&d.Attempts,
		&d.ErrorCode,
		&d.ErrorMessage,
		&lastExc,
		&d.CreatedAt,
	); err != nil {
		return nil, err
	}

	d.Channel = model.Channel(channel)
	d.LastException = stringPtr(lastExc)
	if err := json.Unmarshal(payload, &d.Content); err != nil {
		return nil, fmt.Errorf("decode dead letter payload of %s: %w", d.ID, err)
	}
	return &d, nil
}
