// Package notifications persists the durable records written for users who
// were offline when an event was delivered.
package notifications

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// timeLayout is fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one stored notification.
type Record struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Type            string    `json:"type"`
	Message         string    `json:"message"`
	RelatedEntityID string    `json:"related_entity_id,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateArgs are the arguments of a create_pending_notification job.
type CreateArgs struct {
	UserID          string    `json:"user_id"`
	Type            string    `json:"type"`
	Message         string    `json:"message"`
	RelatedEntityID string    `json:"related_entity_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (a CreateArgs) validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(a.Type) == "" {
		return errors.New("type is required")
	}
	return nil
}

// Store is a SQLite-backed notification store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (and migrates) the database at path. ":memory:" is accepted.
func Open(path string, busyTimeout time.Duration, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "notification_store").Logger(),
		now:    time.Now,
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate notifications: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create stores a pending record for args.
func (s *Store) Create(ctx context.Context, args CreateArgs) (Record, error) {
	if err := args.validate(); err != nil {
		return Record{}, err
	}
	createdAt := args.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	rec := Record{
		ID:              uuid.NewString(),
		UserID:          args.UserID,
		Type:            args.Type,
		Message:         args.Message,
		RelatedEntityID: args.RelatedEntityID,
		Status:          StatusPending,
		CreatedAt:       createdAt.UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, type, message, related_entity_id, status, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.ID, rec.UserID, rec.Type, rec.Message, nullStr(rec.RelatedEntityID), rec.Status,
		rec.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert notification: %w", err)
	}
	s.logger.Debug().Str("user", rec.UserID).Str("type", rec.Type).Str("id", rec.ID).Msg("Pending notification stored.")
	return rec, nil
}

// ListPending returns up to limit pending records for userID, oldest first.
func (s *Store) ListPending(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, message, related_entity_id, status, created_at
		 FROM notifications WHERE user_id = ? AND status = ?
		 ORDER BY created_at ASC LIMIT ?`,
		userID, StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			related sql.NullString
			created string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.Message, &related, &rec.Status, &created); err != nil {
			return nil, err
		}
		rec.RelatedEntityID = related.String
		if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse created_at of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSent flips the given records to sent. Unknown ids are ignored.
func (s *Store) MarkSent(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, StatusSent)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark notifications sent: %w", err)
	}
	return res.RowsAffected()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
