package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using a single WAL-mode SQLite database.
// Suitable for single-instance deployments; the proxy's concurrency trackers
// assume one in-process authority anyway.
type SQLiteStore struct {
	db        *sql.DB
	closeOnce sync.Once

	// randomKeyStmt is the allocation hot path and stays prepared. Queries
	// with a dynamic exclusion list are built per call.
	randomKeyStmt *sql.Stmt
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds.
	BusyTimeout time.Duration
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{Path: path})
}

// NewSQLiteStoreWithConfig opens the database with explicit settings.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.randomKeyStmt, err = db.Prepare(`
		SELECT id, pool_id, secret, state, metadata, total_used, created_at, updated_at
		FROM provider_keys
		WHERE pool_id = ? AND state = 'active'
		ORDER BY RANDOM() LIMIT 1`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare key query: %w", err)
	}

	return s, nil
}

// migrate creates the schema when absent.
func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			total_request INTEGER NOT NULL DEFAULT 0,
			total_tokens_input INTEGER NOT NULL DEFAULT 0,
			total_tokens_output INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS provider_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pool_id TEXT NOT NULL,
			secret TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL DEFAULT 'active'
				CHECK (state IN ('active','ratelimited','error','disabled')),
			metadata TEXT NOT NULL DEFAULT '{}',
			total_used INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (unixepoch() * 1000),
			updated_at INTEGER NOT NULL DEFAULT (unixepoch() * 1000)
		)`,
		`CREATE INDEX IF NOT EXISTS provider_keys_pool_idx ON provider_keys(pool_id)`,
		`CREATE INDEX IF NOT EXISTS provider_keys_secret_idx ON provider_keys(secret)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT,
			email TEXT,
			token TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL DEFAULT 'USER' CHECK (tier IN ('USER','ADMIN')),
			restricted INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER,
			created_at INTEGER NOT NULL DEFAULT (unixepoch() * 1000)
		)`,
		`CREATE INDEX IF NOT EXISTS users_token_idx ON users(token)`,
		`CREATE TABLE IF NOT EXISTS user_allowed_provider (
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, provider_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// GetRandomActiveKey returns a uniformly random active key from the pool,
// excluding the given secrets. Returns (nil, nil) when no key qualifies.
func (s *SQLiteStore) GetRandomActiveKey(ctx context.Context, poolID string, exclude []string) (*Key, error) {
	var row *sql.Row

	if len(exclude) == 0 {
		row = s.randomKeyStmt.QueryRowContext(ctx, poolID)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(exclude)), ",")
		query := fmt.Sprintf(`
			SELECT id, pool_id, secret, state, metadata, total_used, created_at, updated_at
			FROM provider_keys
			WHERE pool_id = ? AND state = 'active' AND secret NOT IN (%s)
			ORDER BY RANDOM() LIMIT 1`, placeholders)

		args := make([]any, 0, len(exclude)+1)
		args = append(args, poolID)
		for _, e := range exclude {
			args = append(args, e)
		}
		row = s.db.QueryRowContext(ctx, query, args...)
	}

	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key for pool %q: %w", poolID, err)
	}
	return key, nil
}

// SetKeyState flips a key's lifecycle state.
func (s *SQLiteStore) SetKeyState(ctx context.Context, secret string, state KeyState) error {
	if !ValidKeyState(state) {
		return fmt.Errorf("invalid key state %q", state)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_keys SET state = ?, updated_at = unixepoch() * 1000 WHERE secret = ?`,
		string(state), secret)
	if err != nil {
		return fmt.Errorf("failed to set key state: %w", err)
	}
	return nil
}

// SetKeyMetadata replaces a key's metadata.
func (s *SQLiteStore) SetKeyMetadata(ctx context.Context, secret string, md KeyMetadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE provider_keys SET metadata = ?, updated_at = unixepoch() * 1000 WHERE secret = ?`,
		string(raw), secret)
	if err != nil {
		return fmt.Errorf("failed to set key metadata: %w", err)
	}
	return nil
}

// IncrKeyUsage bumps a key's cumulative usage counter.
func (s *SQLiteStore) IncrKeyUsage(ctx context.Context, secret string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_keys SET total_used = total_used + 1, updated_at = unixepoch() * 1000 WHERE secret = ?`,
		secret)
	if err != nil {
		return fmt.Errorf("failed to increment key usage: %w", err)
	}
	return nil
}

// InsertKey adds a key to a pool. Returns (false, nil) for duplicates.
func (s *SQLiteStore) InsertKey(ctx context.Context, poolID, secret string, md KeyMetadata) (bool, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_keys (pool_id, secret, metadata) VALUES (?, ?, ?)
		 ON CONFLICT(secret) DO NOTHING`,
		poolID, secret, string(raw))
	if err != nil {
		return false, fmt.Errorf("failed to insert key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneDisabledKeys physically deletes disabled keys.
func (s *SQLiteStore) PruneDisabledKeys(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_keys WHERE state = 'disabled'`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune disabled keys: %w", err)
	}
	return res.RowsAffected()
}

// GetUserByToken resolves a caller token. Returns (nil, nil) on miss.
func (s *SQLiteStore) GetUserByToken(ctx context.Context, token string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(username, ''), COALESCE(email, ''), token, tier, restricted, expires_at, created_at
		 FROM users WHERE token = ?`, token)

	var u User
	var restricted int
	var expiresAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Token, &u.Tier, &restricted, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}

	u.Restricted = restricted != 0
	u.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		u.ExpiresAt = &t
	}
	return &u, nil
}

// CreateUser inserts a user and returns it with its assigned id.
func (s *SQLiteStore) CreateUser(ctx context.Context, u User) (*User, error) {
	if u.Tier == "" {
		u.Tier = TierUser
	}

	var expiresAt any
	if u.ExpiresAt != nil {
		expiresAt = u.ExpiresAt.UnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, token, tier, restricted, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.Username, u.Email, u.Token, string(u.Tier), boolToInt(u.Restricted), expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	u.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetAllowedProviders lists provider ids allow-listed for a user.
func (s *SQLiteStore) GetAllowedProviders(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id FROM user_allowed_provider WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch allowed providers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// EnsureProviderRows inserts counter rows for providers if absent.
func (s *SQLiteStore) EnsureProviderRows(ctx context.Context, providerIDs []string) error {
	for _, id := range providerIDs {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO providers (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, id)
		if err != nil {
			return fmt.Errorf("failed to ensure provider row %q: %w", id, err)
		}
	}
	return nil
}

// IncrProviderRequestCount bumps a provider's request counter.
func (s *SQLiteStore) IncrProviderRequestCount(ctx context.Context, providerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE providers SET total_request = total_request + 1 WHERE id = ?`, providerID)
	if err != nil {
		return fmt.Errorf("failed to increment request count: %w", err)
	}
	return nil
}

// IncrProviderTokenCounts bumps a provider's token counters.
func (s *SQLiteStore) IncrProviderTokenCounts(ctx context.Context, providerID string, input, output int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE providers
		 SET total_tokens_input = total_tokens_input + ?, total_tokens_output = total_tokens_output + ?
		 WHERE id = ?`,
		input, output, providerID)
	if err != nil {
		return fmt.Errorf("failed to increment token counts: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.randomKeyStmt != nil {
			s.randomKeyStmt.Close()
		}
		err = s.db.Close()
	})
	return err
}

// scanKey scans a provider_keys row.
func scanKey(row *sql.Row) (*Key, error) {
	var k Key
	var metadata string
	var createdAt, updatedAt int64

	if err := row.Scan(&k.ID, &k.PoolID, &k.Secret, &k.State, &metadata, &k.TotalUsed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &k.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt key metadata: %w", err)
		}
	}

	k.CreatedAt = time.UnixMilli(createdAt)
	k.UpdatedAt = time.UnixMilli(updatedAt)
	return &k, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
