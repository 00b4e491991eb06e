package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ovara-labs/ovara/backend/internal/model/conversation"
)

//go:embed migrations/*.sql
var migrations embed.FS

const conversationColumns = `id, client_id, organization_id, title, status, last_activity_at, created_at, updated_at,
	adk_session_id, adk_user_id, adk_app_name`

// SQLiteStore persists conversations in SQLite. The unique partial index on
// adk_session_id backs the conditional attach in AttachSession.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens dsn, applies migrations and returns a ready store.
func OpenSQLite(ctx context.Context, dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Debug("applied migration", zap.String("source", r.Source.Path), zap.Duration("duration", r.Duration))
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, c conversation.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, c.OrganizationID, c.Title, string(c.Status),
		formatTime(c.LastActivityAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		nullString(c.AdkSessionID), nullString(c.AdkUserID), c.AdkAppName,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "adk_session_id") {
				return ErrSessionConflict
			}
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]conversation.Conversation, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.OrganizationID != "" {
		clauses = append(clauses, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_activity_at DESC LIMIT ?"
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status conversation.Status, at time.Time) (conversation.Conversation, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(at), id,
	)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.Conversation{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AttachSession(ctx context.Context, id string, ext conversation.ExternalSession, at time.Time) (conversation.Conversation, bool, error) {
	if ext.SessionID == "" {
		return conversation.Conversation{}, false, ErrEmptySessionID
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET adk_session_id = ?, adk_user_id = ?, adk_app_name = COALESCE(NULLIF(?, ''), adk_app_name),
		     last_activity_at = ?, updated_at = ?
		 WHERE id = ? AND adk_session_id IS NULL`,
		nullString(ext.SessionID), nullString(ext.UserID), ext.AppName, formatTime(at), formatTime(at), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conversation.Conversation{}, false, ErrSessionConflict
		}
		return conversation.Conversation{}, false, fmt.Errorf("attach session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return conversation.Conversation{}, false, fmt.Errorf("attach session: %w", err)
	}

	c, err := s.Get(ctx, id)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	return c, n == 1, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (conversation.Conversation, error) {
	var (
		c                          conversation.Conversation
		status                     string
		lastActivity, created, upd string
		sessionID, userID          sql.NullString
	)
	if err := row.Scan(&c.ID, &c.ClientID, &c.OrganizationID, &c.Title, &status,
		&lastActivity, &created, &upd, &sessionID, &userID, &c.AdkAppName); err != nil {
		return conversation.Conversation{}, err
	}

	c.Status = conversation.Status(status)
	c.LastActivityAt = parseTime(lastActivity)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(upd)
	c.AdkSessionID = sessionID.String
	c.AdkUserID = userID.String
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
