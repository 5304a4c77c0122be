package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/turnforge/turnforge/internal/chatmodel"
)

// SQLiteSchema is the DDL required by SQLiteRepository.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	parts TEXT,
	tool_calls TEXT,
	tool_call_id TEXT,
	reasoning TEXT,
	metadata TEXT,
	created_at TEXT NOT NULL,
	seq INTEGER
);
CREATE INDEX IF NOT EXISTS messages_session_created_idx ON messages (session_id, created_at, seq);

CREATE TABLE IF NOT EXISTS summaries (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	text TEXT NOT NULL,
	model TEXT NOT NULL,
	temperature REAL NOT NULL,
	target_output_tokens INTEGER NOT NULL,
	keep_last_n INTEGER NOT NULL,
	source_message_count INTEGER NOT NULL,
	source_approx_tokens INTEGER NOT NULL,
	first_message_id TEXT NOT NULL,
	last_message_id TEXT NOT NULL,
	first_message_created_at TEXT NOT NULL,
	last_message_created_at TEXT NOT NULL,
	stats TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS summaries_session_created_idx ON summaries (session_id, last_message_created_at);

CREATE TABLE IF NOT EXISTS summary_message_links (
	summary_id TEXT NOT NULL REFERENCES summaries(id),
	message_id TEXT NOT NULL,
	PRIMARY KEY (summary_id, message_id)
);
`

// SQLiteRepository is a Repository backed by modernc.org/sqlite, used for
// single-node and embedded deployments that don't run a CockroachDB cluster.
type SQLiteRepository struct {
	db  *sql.DB
	seq int64
}

// NewSQLiteRepository opens (creating if absent) the database at path and
// applies SQLiteSchema.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline
	if _, err := db.ExecContext(ctx, SQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) AppendMessage(ctx context.Context, in AppendMessageInput) (chatmodel.Message, error) {
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

	r.seq++
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, parts, tool_calls, tool_call_id, reasoning, metadata, created_at, seq)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.SessionID, string(m.Role), m.Content, string(partsJSON), string(toolCallsJSON), m.ToolCallID, m.Reasoning, string(metaJSON), m.CreatedAt.Format(time.RFC3339Nano), r.seq,
	)
	if err != nil {
		return chatmodel.Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

const sqliteMessageColumns = "id, session_id, role, content, parts, tool_calls, tool_call_id, reasoning, metadata, created_at"

func scanSQLiteMessages(rows *sql.Rows) ([]chatmodel.Message, error) {
	defer rows.Close()
	var out []chatmodel.Message
	for rows.Next() {
		var m chatmodel.Message
		var role, createdAt string
		var partsJSON, toolCallsJSON, metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &partsJSON, &toolCallsJSON, &m.ToolCallID, &m.Reasoning, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = chatmodel.Role(role)
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		m.CreatedAt = t
		if partsJSON.Valid && partsJSON.String != "" {
			if err := json.Unmarshal([]byte(partsJSON.String), &m.Parts); err != nil {
				return nil, fmt.Errorf("unmarshal parts: %w", err)
			}
		}
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool_calls: %w", err)
			}
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) GetMessagesBySession(ctx context.Context, sessionID string, limit, offset int) ([]chatmodel.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE session_id = ? ORDER BY created_at ASC, seq ASC`, sqliteMessageColumns)
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return scanSQLiteMessages(rows)
}

func (r *SQLiteRepository) GetRecent(ctx context.Context, sessionID string, limit, offset int) ([]chatmodel.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE session_id = ? ORDER BY created_at DESC, seq DESC`, sqliteMessageColumns)
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	msgs, err := scanSQLiteMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *SQLiteRepository) GetAfter(ctx context.Context, sessionID string, cursorCreatedAt time.Time, limit int) ([]chatmodel.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE session_id = ? AND created_at > ? ORDER BY created_at ASC, seq ASC`, sqliteMessageColumns)
	args := []any{sessionID, cursorCreatedAt.Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query after cursor: %w", err)
	}
	return scanSQLiteMessages(rows)
}

func (r *SQLiteRepository) ListSessionsWithPendingSummary(ctx context.Context, limit int) ([]PendingSummarySession, error) {
	query := `
		SELECT m.session_id, max(m.created_at) AS newest_message, coalesce(max(s.last_message_created_at), '') AS newest_summary
		FROM messages m
		LEFT JOIN summaries s ON s.session_id = m.session_id
		GROUP BY m.session_id
		HAVING max(m.created_at) > coalesce(max(s.last_message_created_at), '')
		ORDER BY m.session_id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending summaries: %w", err)
	}
	defer rows.Close()
	var out []PendingSummarySession
	for rows.Next() {
		var p PendingSummarySession
		var newestMsg string
		var newestSummary sql.NullString
		if err := rows.Scan(&p.SessionID, &newestMsg, &newestSummary); err != nil {
			return nil, fmt.Errorf("scan pending summary: %w", err)
		}
		p.NewestMessageAt, err = time.Parse(time.RFC3339Nano, newestMsg)
		if err != nil {
			return nil, fmt.Errorf("parse newest message timestamp: %w", err)
		}
		if newestSummary.Valid && newestSummary.String != "" {
			p.NewestSummaryAt, err = time.Parse(time.RFC3339Nano, newestSummary.String)
			if err != nil {
				return nil, fmt.Errorf("parse newest summary timestamp: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) AppendSummary(ctx context.Context, in AppendSummaryInput) (chatmodel.Summary, error) {
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
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.SessionID, s.Text, s.Model, s.Temperature, s.TargetOutputTokens, s.KeepLastN,
		s.SourceMessageCount, s.SourceApproxTokens, s.FirstMessageID, s.LastMessageID,
		s.FirstMessageCreatedAt.Format(time.RFC3339Nano), s.LastMessageCreatedAt.Format(time.RFC3339Nano),
		string(statsJSON), s.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return chatmodel.Summary{}, fmt.Errorf("insert summary: %w", err)
	}

	for _, id := range in.LinkedMessageIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO summary_message_links (summary_id, message_id) VALUES (?,?)`, s.ID, id,
		); err != nil {
			return chatmodel.Summary{}, fmt.Errorf("insert summary link: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return chatmodel.Summary{}, fmt.Errorf("commit summary: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) LatestSummary(ctx context.Context, sessionID string) (chatmodel.Summary, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, text, model, temperature, target_output_tokens, keep_last_n,
		  source_message_count, source_approx_tokens, first_message_id, last_message_id,
		  first_message_created_at, last_message_created_at, stats, created_at
		 FROM summaries WHERE session_id = ? ORDER BY last_message_created_at DESC LIMIT 1`, sessionID)

	var s chatmodel.Summary
	var statsJSON, firstAt, lastAt, createdAt string
	if err := row.Scan(&s.ID, &s.SessionID, &s.Text, &s.Model, &s.Temperature, &s.TargetOutputTokens, &s.KeepLastN,
		&s.SourceMessageCount, &s.SourceApproxTokens, &s.FirstMessageID, &s.LastMessageID,
		&firstAt, &lastAt, &statsJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return chatmodel.Summary{}, ErrNotFound
		}
		return chatmodel.Summary{}, fmt.Errorf("get latest summary: %w", err)
	}
	var parseErr error
	if s.FirstMessageCreatedAt, parseErr = time.Parse(time.RFC3339Nano, firstAt); parseErr != nil {
		return chatmodel.Summary{}, fmt.Errorf("parse first_message_created_at: %w", parseErr)
	}
	if s.LastMessageCreatedAt, parseErr = time.Parse(time.RFC3339Nano, lastAt); parseErr != nil {
		return chatmodel.Summary{}, fmt.Errorf("parse last_message_created_at: %w", parseErr)
	}
	if s.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt); parseErr != nil {
		return chatmodel.Summary{}, fmt.Errorf("parse created_at: %w", parseErr)
	}
	if statsJSON != "" {
		if err := json.Unmarshal([]byte(statsJSON), &s.Stats); err != nil {
			return chatmodel.Summary{}, fmt.Errorf("unmarshal stats: %w", err)
		}
	}
	return s, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
