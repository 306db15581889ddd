package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the persistent Store backend. Definitions and status rows
// live in two tables keyed by id; kind/auth/retry config is stored as JSON.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS server_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		kind TEXT NOT NULL,
		kind_config TEXT NOT NULL,
		auth_config TEXT,
		tags TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		retry_policy TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runtime_statuses (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		error TEXT,
		last_transition_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

func encodeDef(def *ServerDefinition) (kindConfig, authConfig, tags, retry string, err error) {
	kc, err := json.Marshal(def.KindConfig)
	if err != nil {
		return "", "", "", "", err
	}
	kindConfig = string(kc)
	if def.AuthConfig != nil {
		ac, err := json.Marshal(def.AuthConfig)
		if err != nil {
			return "", "", "", "", err
		}
		authConfig = string(ac)
	}
	if len(def.Tags) > 0 {
		tg, err := json.Marshal(def.Tags)
		if err != nil {
			return "", "", "", "", err
		}
		tags = string(tg)
	}
	if def.RetryPolicy != nil {
		rp, err := json.Marshal(def.RetryPolicy)
		if err != nil {
			return "", "", "", "", err
		}
		retry = string(rp)
	}
	return kindConfig, authConfig, tags, retry, nil
}

func scanDef(scan func(dest ...any) error) (*ServerDefinition, error) {
	var def ServerDefinition
	var kindConfig string
	var authConfig, tags, retry, description sql.NullString
	var enabled int
	var createdAt, updatedAt string

	if err := scan(&def.ID, &def.Name, &description, (*string)(&def.Kind),
		&kindConfig, &authConfig, &tags, &enabled, &retry, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	def.Description = description.String
	def.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(kindConfig), &def.KindConfig); err != nil {
		return nil, fmt.Errorf("corrupt kind_config for %s: %w", def.ID, err)
	}
	if authConfig.Valid && authConfig.String != "" {
		var ac AuthConfig
		if err := json.Unmarshal([]byte(authConfig.String), &ac); err == nil {
			def.AuthConfig = &ac
		}
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &def.Tags)
	}
	if retry.Valid && retry.String != "" {
		var rp RetryPolicy
		if err := json.Unmarshal([]byte(retry.String), &rp); err == nil {
			def.RetryPolicy = &rp
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		def.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		def.UpdatedAt = t
	}
	return &def, nil
}

const defColumns = `id, name, description, kind, kind_config, auth_config, tags, enabled, retry_policy, created_at, updated_at`

// Create persists a new definition.
func (s *SQLiteStore) Create(ctx context.Context, def *ServerDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	kindConfig, authConfig, tags, retry, err := encodeDef(def)
	if err != nil {
		return storageErr("encode definition", err)
	}

	now := time.Now().UTC()
	enabled := 0
	if def.Enabled {
		enabled = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin create", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM server_definitions WHERE id = ?", def.ID).Scan(&exists)
	if err != nil {
		return storageErr("check duplicate", err)
	}
	if exists > 0 {
		return ErrDuplicateID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO server_definitions (`+defColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Description, string(def.Kind),
		kindConfig, authConfig, tags, enabled, retry,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("insert definition", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runtime_statuses (id, state, error, last_transition_at)
		VALUES (?, ?, '', ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, error = '', last_transition_at = excluded.last_transition_at`,
		def.ID, string(StateUnloaded), now.Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("insert status", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit create", err)
	}
	def.CreatedAt = now
	def.UpdatedAt = now
	return nil
}

// Get returns the definition for id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*ServerDefinition, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+defColumns+" FROM server_definitions WHERE id = ?", id)
	def, err := scanDef(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get definition", err)
	}
	return def, nil
}

// Update replaces the definition for id and bumps updated_at.
func (s *SQLiteStore) Update(ctx context.Context, id string, def *ServerDefinition) error {
	updated := def.Clone()
	updated.ID = id
	if err := updated.Validate(); err != nil {
		return err
	}
	kindConfig, authConfig, tags, retry, err := encodeDef(updated)
	if err != nil {
		return storageErr("encode definition", err)
	}

	enabled := 0
	if updated.Enabled {
		enabled = 1
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE server_definitions
		SET name = ?, description = ?, kind = ?, kind_config = ?, auth_config = ?,
			tags = ?, enabled = ?, retry_policy = ?, updated_at = ?
		WHERE id = ?`,
		updated.Name, updated.Description, string(updated.Kind), kindConfig, authConfig,
		tags, enabled, retry, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return storageErr("update definition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update definition", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the definition and its status row.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM server_definitions WHERE id = ?", id)
	if err != nil {
		return storageErr("delete definition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete definition", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM runtime_statuses WHERE id = ?", id); err != nil {
		return storageErr("delete status", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit delete", err)
	}
	return nil
}

// List returns matching definitions in id order.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*ServerDefinition, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+defColumns+" FROM server_definitions ORDER BY id")
	if err != nil {
		return nil, storageErr("list definitions", err)
	}
	defer rows.Close()

	result := make([]*ServerDefinition, 0)
	for rows.Next() {
		def, err := scanDef(rows.Scan)
		if err != nil {
			return nil, storageErr("scan definition", err)
		}
		if matchesFilter(def, filter) {
			result = append(result, def)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list definitions", err)
	}
	return result, nil
}

// ListPage returns up to limit definitions with ids after the cursor.
func (s *SQLiteStore) ListPage(ctx context.Context, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+defColumns+" FROM server_definitions WHERE id > ? ORDER BY id LIMIT ?",
		cursor, limit+1)
	if err != nil {
		return nil, storageErr("list page", err)
	}
	defer rows.Close()

	page := &Page{Definitions: make([]*ServerDefinition, 0, limit)}
	for rows.Next() {
		def, err := scanDef(rows.Scan)
		if err != nil {
			return nil, storageErr("scan definition", err)
		}
		if len(page.Definitions) == limit {
			page.NextCursor = page.Definitions[limit-1].ID
			break
		}
		page.Definitions = append(page.Definitions, def)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list page", err)
	}
	return page, nil
}

// Search matches query against the requested fields.
func (s *SQLiteStore) Search(ctx context.Context, query string, fields []string) ([]*ServerDefinition, error) {
	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}
	result := make([]*ServerDefinition, 0)
	for _, def := range all {
		if matchesSearch(def, query, fields) {
			result = append(result, def)
		}
	}
	return result, nil
}

// SetStatus records the runtime state for id.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, state State, errMsg string) error {
	if state != StateFailed {
		errMsg = ""
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM server_definitions WHERE id = ?", id).Scan(&exists); err != nil {
		return storageErr("check definition", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_statuses (id, state, error, last_transition_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			last_transition_at = excluded.last_transition_at`,
		id, string(state), errMsg, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("set status", err)
	}
	return nil
}

// GetStatus returns the status row for id.
func (s *SQLiteStore) GetStatus(ctx context.Context, id string) (*RuntimeStatus, error) {
	var st RuntimeStatus
	var errMsg sql.NullString
	var at string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, state, error, last_transition_at FROM runtime_statuses WHERE id = ?", id).
		Scan(&st.ID, (*string)(&st.State), &errMsg, &at)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get status", err)
	}
	st.Error = errMsg.String
	if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
		st.LastTransitionAt = t
	}
	return &st, nil
}

// ListStatuses returns every status row keyed by id.
func (s *SQLiteStore) ListStatuses(ctx context.Context) (map[string]*RuntimeStatus, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, state, error, last_transition_at FROM runtime_statuses")
	if err != nil {
		return nil, storageErr("list statuses", err)
	}
	defer rows.Close()

	result := make(map[string]*RuntimeStatus)
	for rows.Next() {
		var st RuntimeStatus
		var errMsg sql.NullString
		var at string
		if err := rows.Scan(&st.ID, (*string)(&st.State), &errMsg, &at); err != nil {
			return nil, storageErr("scan status", err)
		}
		st.Error = errMsg.String
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			st.LastTransitionAt = t
		}
		result[st.ID] = &st
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list statuses", err)
	}
	return result, nil
}
