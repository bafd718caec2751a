package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

const defaultTokenTable = "token_store"

// PostgresTokenStore keeps the encrypted token blob in a single-row Postgres
// table, for installs that want credentials off the local filesystem. The
// payload is the same opaque AES-GCM blob the file store writes; the database
// never sees plaintext tokens.
type PostgresTokenStore struct {
	mu    sync.Mutex
	db    *sql.DB
	table string
	key   []byte
}

// NewPostgresTokenStore connects to the given DSN and prepares the backing
// table. table may be empty to use the default.
func NewPostgresTokenStore(ctx context.Context, dsn, table, secret string) (*PostgresTokenStore, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("postgres token store: DSN is required")
	}
	if table = strings.TrimSpace(table); table == "" {
		table = defaultTokenTable
	}
	key, err := deriveStoreKey(secret)
	if err != nil {
		return nil, fmt.Errorf("postgres token store: %w", err)
	}
	db, err := sql.Open("pgx", trimmed)
	if err != nil {
		return nil, fmt.Errorf("postgres token store: open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres token store: ping: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		blob BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table)
	if _, err = db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres token store: ensure table: %w", err)
	}
	log.Debugf("Postgres token store ready (table %s)", table)
	return &PostgresTokenStore{db: db, table: table, key: key}, nil
}

// Save encrypts and upserts the token set. The single-row constraint makes
// replacement atomic for concurrent readers.
func (s *PostgresTokenStore) Save(ctx context.Context, token *TokenSet) error {
	if token == nil {
		return fmt.Errorf("postgres token store: token is nil")
	}
	plaintext, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("postgres token store: marshal: %w", err)
	}
	blob, err := sealBlob(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("postgres token store: seal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	query := fmt.Sprintf(`INSERT INTO %s (id, blob, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`, s.table)
	if _, err = s.db.ExecContext(ctx, query, blob); err != nil {
		return fmt.Errorf("postgres token store: upsert: %w", err)
	}
	return nil
}

// Load fetches and decrypts the stored token set. No row, a failed
// decryption, or an unparseable payload all load as absent.
func (s *PostgresTokenStore) Load(ctx context.Context) (*TokenSet, error) {
	var blob []byte
	query := fmt.Sprintf(`SELECT blob FROM %s WHERE id = 1`, s.table)
	err := s.db.QueryRowContext(ctx, query).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres token store: select: %w", err)
	}
	plaintext, err := openBlob(s.key, blob)
	if err != nil {
		log.Warnf("Postgres token store row could not be decrypted, treating as absent: %v", err)
		return nil, nil
	}
	var token TokenSet
	if err = json.Unmarshal(plaintext, &token); err != nil {
		log.Warnf("Postgres token store holds an unparseable payload, treating as absent: %v", err)
		return nil, nil
	}
	return &token, nil
}

// Clear removes the stored row.
func (s *PostgresTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = 1`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres token store: delete: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *PostgresTokenStore) Close() error {
	return s.db.Close()
}
