// Package store persists request records and auth tokens in an embedded
// sqlite database. Records land in a mode-derived table (one logical
// collection per operating mode); the prediction payload is kept as a JSON
// document column.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Fixed client-facing annotation for a failed insert. The real cause is
// only logged server-side.
const InsertFailedMessage = "Failed to log prediction to database."

var tableNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Prediction is the per-model slice of a request record. Error is set when
// a single model's predictor failed; the other entries are unaffected.
type Prediction struct {
	TopIntent string             `json:"top_intent"`
	AllProbs  map[string]float64 `json:"all_probs"`
	Error     string             `json:"error,omitempty"`
}

// Record is one inference request's full outcome: what was asked, by whom,
// what every loaded model answered, and how persistence went. It doubles as
// the /predict response body.
type Record struct {
	Text        string                `json:"text"`
	Owner       string                `json:"owner"`
	Predictions map[string]Prediction `json:"predictions"`
	Timestamp   int64                 `json:"timestamp"`
	ID          string                `json:"id,omitempty"`
	DBError     string                `json:"db_error,omitempty"`
}

// TokenRecord is a provisioned API token. The secret is stored as a bcrypt
// hash; the plaintext is only ever shown once at creation time.
type TokenRecord struct {
	ID         string
	Name       string
	SecretHash string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

type Store struct {
	db    *sql.DB
	table string
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the log table named table plus the shared auth_tokens table.
func Open(path, table string) (*Store, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, table: table}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  record_id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  text TEXT NOT NULL,
  predictions TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_tokens (
  token_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  secret_hash TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  last_used_at DATETIME
);
`, s.table))
	return err
}

// Insert appends a request record and returns its generated id.
func (s *Store) Insert(ctx context.Context, rec Record) (string, error) {
	if s.db == nil {
		return "", errors.New("store not connected")
	}

	payload, err := json.Marshal(rec.Predictions)
	if err != nil {
		return "", fmt.Errorf("encode predictions: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s(record_id, owner, text, predictions, created_at)
VALUES(?, ?, ?, ?, ?);
`, s.table), id, rec.Owner, rec.Text, string(payload), rec.Timestamp)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) CreateToken(ctx context.Context, rec TokenRecord) error {
	if s.db == nil {
		return errors.New("store not connected")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_tokens(token_id, name, secret_hash, created_at)
VALUES(?, ?, ?, ?);
`, rec.ID, rec.Name, rec.SecretHash, rec.CreatedAt)
	return err
}

func (s *Store) GetToken(ctx context.Context, id string) (TokenRecord, bool, error) {
	if s.db == nil {
		return TokenRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT token_id, name, secret_hash, created_at, last_used_at
FROM auth_tokens WHERE token_id=?;
`, id)
	var r TokenRecord
	err := row.Scan(&r.ID, &r.Name, &r.SecretHash, &r.CreatedAt, &r.LastUsedAt)
	if err == sql.ErrNoRows {
		return TokenRecord{}, false, nil
	}
	if err != nil {
		return TokenRecord{}, false, err
	}
	return r, true, nil
}

func (s *Store) TouchToken(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "UPDATE auth_tokens SET last_used_at=? WHERE token_id=?;", time.Now(), id)
	return err
}
