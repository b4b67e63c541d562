package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/model"
)

const messageColumns = `id, channel, to_address, from_address, subject, template_key, payload,
		       status, provider_message_id, error_code, error_message, attempts,
		       idempotency_key, queued_at, sent_at, delivered_at, failed_at,
		       created_at, updated_at`

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m *model.Message) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (
		    id, channel, to_address, from_address, subject, template_key, payload,
		    status, attempts, idempotency_key, queued_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		m.ID, string(m.Channel), m.To, m.From, m.Subject, m.TemplateKey, payload,
		string(m.Status), m.Attempts, nullString(m.IdempotencyKey), nullTime(m.QueuedAt),
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id string) (*model.Message, error) {
	return r.queryOne(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
}

func (r *PostgresMessageRepo) FindByIdempotencyKey(ctx context.Context, key string) (*model.Message, error) {
	return r.queryOne(ctx, `SELECT `+messageColumns+` FROM messages WHERE idempotency_key = $1`, key)
}

func (r *PostgresMessageRepo) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	return r.queryOne(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE provider_message_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, providerMessageID)
}

func (r *PostgresMessageRepo) Transition(ctx context.Context, id string, fn TransitionFunc) (*model.Message, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock message %s: %w", id, err)
	}

	if err := fn(m); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET to_address = $2,
		    from_address = $3,
		    subject = $4,
		    template_key = $5,
		    payload = $6,
		    status = $7,
		    provider_message_id = $8,
		    error_code = $9,
		    error_message = $10,
		    attempts = $11,
		    queued_at = $12,
		    sent_at = $13,
		    delivered_at = $14,
		    failed_at = $15,
		    updated_at = $16
		WHERE id = $1
	`,
		m.ID, m.To, m.From, m.Subject, m.TemplateKey, payload, string(m.Status),
		nullString(m.ProviderMessageID), nullString(m.ErrorCode), nullString(m.ErrorMessage),
		m.Attempts, nullTime(m.QueuedAt), nullTime(m.SentAt), nullTime(m.DeliveredAt),
		nullTime(m.FailedAt), m.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("update message %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return m, nil
}

func (r *PostgresMessageRepo) ListRecoverable(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error) {
	limit, _ = normalizeLimit(limit, 0)

	return r.queryMany(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status IN ('queued', 'sending')
		  AND updated_at < $1
		  AND (queued_at IS NULL OR queued_at < $1)
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
}

func (r *PostgresMessageRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error) {
	limit, offset = normalizeLimit(limit, offset)

	return r.queryMany(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
}

func (r *PostgresMessageRepo) queryOne(ctx context.Context, query string, args ...any) (*model.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

func (r *PostgresMessageRepo) queryMany(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m           model.Message
		channel     string
		status      string
		payload     []byte
		providerID  sql.NullString
		errCode     sql.NullString
		errMsg      sql.NullString
		idemKey     sql.NullString
		queuedAt    sql.NullTime
		sentAt      sql.NullTime
		deliveredAt sql.NullTime
		failedAt    sql.NullTime
	)

	if err := row.Scan(
		&m.ID,
		&channel,
		&m.To,
		&m.From,
		&m.Subject,
		&m.TemplateKey,
		&payload,
		&status,
		&providerID,
		&errCode,
		&errMsg,
		&m.Attempts,
		&idemKey,
		&queuedAt,
		&sentAt,
		&deliveredAt,
		&failedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	m.Channel = model.Channel(channel)
	m.Status = model.Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", m.ID, err)
		}
	}

	m.ProviderMessageID = stringPtr(providerID)
	m.ErrorCode = stringPtr(errCode)
	m.ErrorMessage = stringPtr(errMsg)
	m.IdempotencyKey = stringPtr(idemKey)
	m.QueuedAt = timePtr(queuedAt)
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	m.FailedAt = timePtr(failedAt)
	return &m, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
