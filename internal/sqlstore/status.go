package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/celerix-dev/celerix-beacon/internal/vault"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// StatusStore keeps every status revision. Messages are sealed when a Sealer
// is configured.
type StatusStore struct {
	db     *sql.DB
	sealer *vault.Sealer
}

func NewStatusStore(db *sql.DB, sealer *vault.Sealer) (*StatusStore, error) {
	s := &StatusStore{db: db, sealer: sealer}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StatusStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS user_status (
        user_id TEXT NOT NULL,
        revision INTEGER NOT NULL,
        status TEXT NOT NULL,
        message TEXT NOT NULL DEFAULT '',
        updated_at DATETIME NOT NULL,
        PRIMARY KEY (user_id, revision)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append inserts st if st.Revision directly follows the stored maximum.
func (s *StatusStore) Append(ctx context.Context, st schema.UserStatus) error {
	msg, err := s.sealer.Seal(st.Message)
	if err != nil {
		return fmt.Errorf("seal status message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision), 0) FROM user_status WHERE user_id = ?`, st.UserID)
	if err := row.Scan(&last); err != nil {
		return err
	}
	if st.Revision != last+1 {
		return fmt.Errorf("%w: user %s is at revision %d, got %d", sdk.ErrConcurrencyConflict, st.UserID, last, st.Revision)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_status (user_id, revision, status, message, updated_at) VALUES (?, ?, ?, ?, ?)`,
		st.UserID, st.Revision, string(st.Status), msg, formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert status: %w", err)
	}
	return tx.Commit()
}

func (s *StatusStore) Latest(ctx context.Context, userID string) (schema.UserStatus, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT user_id, revision, status, message, updated_at
        FROM user_status
        WHERE user_id = ?
        ORDER BY revision DESC
        LIMIT 1`, userID)
	st, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.UserStatus{}, false, nil
	}
	if err != nil {
		return schema.UserStatus{}, false, err
	}
	return st, true, nil
}

func (s *StatusStore) History(ctx context.Context, userID string, limit int) ([]schema.UserStatus, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT user_id, revision, status, message, updated_at
        FROM user_status
        WHERE user_id = ?
        ORDER BY revision DESC
        LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []schema.UserStatus
	for rows.Next() {
		st, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *StatusStore) scan(row scanner) (schema.UserStatus, error) {
	var (
		st        schema.UserStatus
		status    string
		message   string
		updatedAt string
	)
	if err := row.Scan(&st.UserID, &st.Revision, &status, &message, &updatedAt); err != nil {
		return schema.UserStatus{}, err
	}
	plain, err := s.sealer.Open(message)
	if err != nil {
		return schema.UserStatus{}, fmt.Errorf("open status message: %w", err)
	}
	st.Status = schema.Status(status)
	st.Message = plain
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}
