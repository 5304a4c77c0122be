package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

// PostgresConfig configures connection pooling for the CockroachDB/Postgres
// repository.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns conservative pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// PostgresRepository is a Repository backed by CockroachDB/Postgres via
// lib/pq.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepositoryFromDSN opens a pooled connection and verifies it
// with a ping before returning.
func NewPostgresRepositoryFromDSN(dsn string, config *PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// Schema is the DDL required by PostgresRepository, exposed so migration
// tooling can apply it.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	session_id STRING NOT NULL,
	role STRING NOT NULL,
	content STRING NOT NULL,
	parts JSONB,
	tool_calls JSONB,
	tool_call_id STRING,
	reasoning STRING,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	seq SERIAL
);
CREATE INDEX IF NOT EXISTS messages_session_created_idx ON messages (session_id, created_at, seq);

CREATE TABLE IF NOT EXISTS summaries (
	id UUID PRIMARY KEY,
	session_id STRING NOT NULL,
	text STRING NOT NULL,
	model STRING NOT NULL,
	temperature FLOAT NOT NULL,
	target_output_tokens INT NOT NULL,
	keep_last_n INT NOT NULL,
	source_message_count INT NOT NULL,
	source_approx_tokens INT NOT NULL,
	first_message_id STRING NOT NULL,
	last_message_id STRING NOT NULL,
	first_message_created_at TIMESTAMPTZ NOT NULL,
	last_message_created_at TIMESTAMPTZ NOT NULL,
	stats JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS summaries_session_created_idx ON summaries (session_id, last_message_created_at);

CREATE TABLE IF NOT EXISTS summary_message_links (
	summary_id UUID NOT NULL REFERENCES summaries(id),
	message_id STRING NOT NULL,
	PRIMARY KEY (summary_id, message_id)
);
`

func (r *PostgresRepository) AppendMessage(ctx context.Context, in AppendMessageInput) (chatmodel.Message, error) {
	m := chatmodel.Message{
		ID:         uuid.NewString(),
		SessionID:  in.SessionID,
		Role:       in.Role,
		Content:    in.Content,
		Parts:      in.Parts,
		ToolCalls:  in.ToolCalls,
		ToolCallID: in.ToolCallID,
		Reasoning:  in.Reasoning,
		Metadata:   in.Metadata,
		CreatedAt:  time.Now().UTC(),
	}

	partsJSON, err := json.Marshal(m.Parts)
	if err != nil {
		return chatmodel.Message{}, fmt.Errorf("marshal parts: %w", err)
	}
	toolCallsJSON, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return chatmodel.Message{}, fmt.Errorf("marshal tool_calls: %w", err)
	}
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return chatmodel.Message{}, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, parts, tool_calls, tool_call_id, reasoning, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.SessionID, string(m.Role), m.Content, partsJSON, toolCallsJSON, m.ToolCallID, m.Reasoning, metaJSON, m.CreatedAt,
	)
	if err != nil {
		return chatmodel.Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]chatmodel.Message, error) {
	defer rows.Close()
	var out []chatmodel.Message
	for rows.Next() {
		var m chatmodel.Message
		var role string
		var partsJSON, toolCallsJSON, metaJSON []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &partsJSON, &toolCallsJSON, &m.ToolCallID, &m.Reasoning, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = chatmodel.Role(role)
		if len(partsJSON) > 0 {
			if err := json.Unmarshal(partsJSON, &m.Parts); err != nil {
				return nil, fmt.Errorf("unmarshal parts: %w", err)
			}
		}
		if len(toolCallsJSON) > 0 {
			if err := json.Unmarshal(toolCallsJSON, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool_calls: %w", err)
			}
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const messageColumns = "id, session_id, role, content, parts, tool_calls, tool_call_id, reasoning, metadata, created_at"

func (r *PostgresRepository) GetMessagesBySession(ctx context.Context, sessionID string, limit, offset int) ([]chatmodel.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE session_id = $1 ORDER BY created_at ASC, seq ASC`, messageColumns)
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return scanMessages(rows)
}

func (r *PostgresRepository) GetRecent(ctx context.Context, sessionID string, limit, offset int) ([]chatmodel.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE session_id = $1 ORDER BY created_at DESC, seq DESC`, messageColumns)
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *PostgresRepository) GetAfter(ctx context.Context, sessionID string, cursorCreatedAt time.Time, limit int) ([]chatmodel.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE session_id = $1 AND created_at > $2 ORDER BY created_at ASC, seq ASC`, messageColumns)
	args := []any{sessionID, cursorCreatedAt}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query after cursor: %w", err)
	}
	return scanMessages(rows)
}

func (r *PostgresRepository) ListSessionsWithPendingSummary(ctx context.Context, limit int) ([]PendingSummarySession, error) {
	query := `
		SELECT m.session_id, max(m.created_at) AS newest_message, coalesce(max(s.last_message_created_at), 'epoch') AS newest_summary
		FROM messages m
		LEFT JOIN summaries s ON s.session_id = m.session_id
		GROUP BY m.session_id
		HAVING max(m.created_at) > coalesce(max(s.last_message_created_at), 'epoch')
		ORDER BY m.session_id`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $1"
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending summaries: %w", err)
	}
	defer rows.Close()
	var out []PendingSummarySession
	for rows.Next() {
		var p PendingSummarySession
		if err := rows.Scan(&p.SessionID, &p.NewestMessageAt, &p.NewestSummaryAt); err != nil {
			return nil, fmt.Errorf("scan pending summary: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) AppendSummary(ctx context.Context, in AppendSummaryInput) (chatmodel.Summary, error) {
	s := in.Summary
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	statsJSON, err := json.Marshal(s.Stats)
	if err != nil {
		return chatmodel.Summary{}, fmt.Errorf("marshal stats: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return chatmodel.Summary{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO summaries (id, session_id, text, model, temperature, target_output_tokens, keep_last_n,
		  source_message_count, source_approx_tokens, first_message_id, last_message_id,
		  first_message_created_at, last_message_created_at, stats, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		s.ID, s.SessionID, s.Text, s.Model, s.Temperature, s.TargetOutputTokens, s.KeepLastN,
		s.SourceMessageCount, s.SourceApproxTokens, s.FirstMessageID, s.LastMessageID,
		s.FirstMessageCreatedAt, s.LastMessageCreatedAt, statsJSON, s.CreatedAt,
	)
	if err != nil {
		return chatmodel.Summary{}, fmt.Errorf("insert summary: %w", err)
	}

	if len(in.LinkedMessageIDs) > 0 {
		ids := pq.Array(in.LinkedMessageIDs)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO summary_message_links (summary_id, message_id)
			 SELECT $1, unnest($2::text[])`,
			s.ID, ids,
		)
		if err != nil {
			return chatmodel.Summary{}, fmt.Errorf("insert summary links: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return chatmodel.Summary{}, fmt.Errorf("commit summary: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) LatestSummary(ctx context.Context, sessionID string) (chatmodel.Summary, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, text, model, temperature, target_output_tokens, keep_last_n,
		  source_message_count, source_approx_tokens, first_message_id, last_message_id,
		  first_message_created_at, last_message_created_at, stats, created_at
		 FROM summaries WHERE session_id = $1 ORDER BY last_message_created_at DESC LIMIT 1`, sessionID)

	var s chatmodel.Summary
	var statsJSON []byte
	if err := row.Scan(&s.ID, &s.SessionID, &s.Text, &s.Model, &s.Temperature, &s.TargetOutputTokens, &s.KeepLastN,
		&s.SourceMessageCount, &s.SourceApproxTokens, &s.FirstMessageID, &s.LastMessageID,
		&s.FirstMessageCreatedAt, &s.LastMessageCreatedAt, &statsJSON, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return chatmodel.Summary{}, ErrNotFound
		}
		return chatmodel.Summary{}, fmt.Errorf("get latest summary: %w", err)
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &s.Stats); err != nil {
			return chatmodel.Summary{}, fmt.Errorf("unmarshal stats: %w", err)
		}
	}
	return s, nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
