// Package store persists bridge state in SQLite: extension storage
// areas (the storage.get/storage.set key-value surface) and tab group
// metadata plus membership.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/tabbridge/tabbridge/internal/store/migrations"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the single SQLite connection.
type Store struct {
	db *sql.DB
}

// Open creates the SQLite database at path, runs migrations, and
// returns a Store.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode and single connection (no concurrency)
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Force single connection. SQLite doesn't handle concurrent
	// writers well, so all access is serialized through one conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Debug("sqlite database initialized", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw connection for components that share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetValues returns the stored values for the given keys in an area.
// Keys absent from the area are omitted from the result. An empty key
// list returns the whole area.
func (s *Store) GetValues(ctx context.Context, area string, keys []string) (map[string]json.RawMessage, error) {
	query := `SELECT key, value FROM kv WHERE area = ?`
	args := []any{area}
	if len(keys) > 0 {
		query += ` AND key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
		for _, k := range keys {
			args = append(args, k)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query kv: %w", err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		values[key] = json.RawMessage(value)
	}
	return values, rows.Err()
}

// SetValues upserts the given items into an area atomically.
func (s *Store) SetValues(ctx context.Context, area string, items map[string]json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, value := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv (area, key, value, updated_at) VALUES (?, ?, ?, unixepoch())
			ON CONFLICT (area, key) DO UPDATE SET value = excluded.value, updated_at = unixepoch()`,
			area, key, string(value))
		if err != nil {
			return fmt.Errorf("upsert kv %s/%s: %w", area, key, err)
		}
	}
	return tx.Commit()
}

// Group is a bridge-managed tab group.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"title"`
	Color     string    `json:"color"`
	Collapsed bool      `json:"collapsed"`
	WindowID  int       `json:"windowId"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// GroupUpdate carries the mutable group fields; nil means unchanged.
type GroupUpdate struct {
	Name      *string
	Color     *string
	Collapsed *bool
}

// GroupFilter narrows QueryGroups; nil fields match everything.
type GroupFilter struct {
	Name      *string
	Collapsed *bool
	WindowID  *int
}

// CreateGroup inserts a new group and returns it.
func (s *Store) CreateGroup(ctx context.Context, name, color string, windowID int) (*Group, error) {
	g := &Group{
		ID:       uuid.NewString(),
		Name:     name,
		Color:    color,
		WindowID: windowID,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tab_groups (id, name, color, window_id) VALUES (?, ?, ?, ?)`,
		g.ID, g.Name, g.Color, g.WindowID)
	if err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	return s.GetGroup(ctx, g.ID)
}

// GetGroup returns a group by id, or ErrNotFound.
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `
		SELECT id, name, color, collapsed, window_id, created_at, updated_at
		FROM tab_groups WHERE id = ?`, id))
}

// FindGroupByName returns the oldest group with the given name, or
// ErrNotFound.
func (s *Store) FindGroupByName(ctx context.Context, name string) (*Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `
		SELECT id, name, color, collapsed, window_id, created_at, updated_at
		FROM tab_groups WHERE name = ? ORDER BY created_at ASC LIMIT 1`, name))
}

func (s *Store) scanGroup(row *sql.Row) (*Group, error) {
	var g Group
	var collapsed int
	var created, updated int64
	err := row.Scan(&g.ID, &g.Name, &g.Color, &collapsed, &g.WindowID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Collapsed = collapsed != 0
	g.CreatedAt = time.Unix(created, 0)
	g.UpdatedAt = time.Unix(updated, 0)
	return &g, nil
}

// UpdateGroup applies the non-nil fields and returns the updated row.
func (s *Store) UpdateGroup(ctx context.Context, id string, upd GroupUpdate) (*Group, error) {
	sets := []string{"updated_at = unixepoch()"}
	args := []any{}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Color != nil {
		sets = append(sets, "color = ?")
		args = append(args, *upd.Color)
	}
	if upd.Collapsed != nil {
		sets = append(sets, "collapsed = ?")
		args = append(args, boolToInt(*upd.Collapsed))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tab_groups SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetGroup(ctx, id)
}

// QueryGroups returns the groups matching a filter, oldest first.
func (s *Store) QueryGroups(ctx context.Context, filter GroupFilter) ([]Group, error) {
	query := `SELECT id, name, color, collapsed, window_id, created_at, updated_at FROM tab_groups`
	var clauses []string
	var args []any
	if filter.Name != nil {
		clauses = append(clauses, "name = ?")
		args = append(args, *filter.Name)
	}
	if filter.Collapsed != nil {
		clauses = append(clauses, "collapsed = ?")
		args = append(args, boolToInt(*filter.Collapsed))
	}
	if filter.WindowID != nil {
		clauses = append(clauses, "window_id = ?")
		args = append(args, *filter.WindowID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		var collapsed int
		var created, updated int64
		if err := rows.Scan(&g.ID, &g.Name, &g.Color, &collapsed, &g.WindowID, &created, &updated); err != nil {
			return nil, err
		}
		g.Collapsed = collapsed != 0
		g.CreatedAt = time.Unix(created, 0)
		g.UpdatedAt = time.Unix(updated, 0)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes a group; membership rows cascade.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tab_groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignTabs moves the given tabs into a group. A tab already in
// another group is reassigned.
func (s *Store) AssignTabs(ctx context.Context, groupID string, tabIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, tabID := range tabIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO group_tabs (group_id, tab_id) VALUES (?, ?)
			ON CONFLICT (tab_id) DO UPDATE SET group_id = excluded.group_id, added_at = unixepoch()`,
			groupID, tabID)
		if err != nil {
			return fmt.Errorf("assign tab %s: %w", tabID, err)
		}
	}
	return tx.Commit()
}

// UnassignTabs removes the given tabs from whatever group holds them.
// Unknown tab ids are ignored.
func (s *Store) UnassignTabs(ctx context.Context, tabIDs []string) error {
	if len(tabIDs) == 0 {
		return nil
	}
	args := make([]any, len(tabIDs))
	for i, id := range tabIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM group_tabs WHERE tab_id IN (?`+strings.Repeat(",?", len(tabIDs)-1)+`)`, args...)
	return err
}

// GroupOf returns the group id holding a tab, or "" when ungrouped.
func (s *Store) GroupOf(ctx context.Context, tabID string) (string, error) {
	var groupID string
	err := s.db.QueryRowContext(ctx, `SELECT group_id FROM group_tabs WHERE tab_id = ?`, tabID).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return groupID, err
}

// TabsIn returns the tab ids in a group, oldest assignment first.
func (s *Store) TabsIn(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tab_id FROM group_tabs WHERE group_id = ? ORDER BY added_at ASC`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
