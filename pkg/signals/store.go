// Package signals reads the business signals the engine reacts to: the
// audit log of recent events and the playlist and stop tables used to
// discover warming work. The engine never writes business data; the
// insert helpers exist for seeding local databases and tests.
package signals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event types the invalidation engine reacts to.
const (
	EventPlaylistUpdated = "playlist_updated"
	EventUserUpdated     = "user_updated"
	EventStopsModified   = "stops_modified"
	EventRouteChanged    = "route_changed"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type  TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);

CREATE TABLE IF NOT EXISTS playlists (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    INTEGER NOT NULL,
    name       TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_playlists_created ON playlists(created_at);

CREATE TABLE IF NOT EXISTS stops (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    playlist_id INTEGER NOT NULL REFERENCES playlists(id),
    order_index INTEGER NOT NULL DEFAULT 0,
    address     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stops_playlist ON stops(playlist_id, order_index);
`

const timeLayout = time.RFC3339

// Event is one audit log row.
type Event struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	PlaylistID  int64     `json:"playlist_id,omitempty"`
	RouteID     int64     `json:"route_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Playlist is a playlist with its stop addresses in route order.
type Playlist struct {
	ID         int64
	UsageCount int
	Addresses  []string
}

// UserPattern is the set of addresses a user keeps planning routes with.
type UserPattern struct {
	UserID        int64
	PlaylistCount int
	Addresses     []string
}

// Store provides SQLite-backed access to business signals.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the signals database at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open signals db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecentEvents returns cache relevant events created at or after since,
// newest first.
func (s *Store) RecentEvents(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, description, metadata, created_at
		FROM audit_log
		WHERE created_at >= ?
		  AND event_type IN (?, ?, ?, ?)
		ORDER BY created_at DESC, id DESC`,
		since.UTC().Format(timeLayout),
		EventPlaylistUpdated, EventUserUpdated, EventStopsModified, EventRouteChanged,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var metadata, createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Description, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if t, err := time.Parse(timeLayout, createdAt); err == nil {
			e.CreatedAt = t
		}

		var meta struct {
			PlaylistID int64 `json:"playlist_id"`
			RouteID    int64 `json:"route_id"`
		}
		if err := json.Unmarshal([]byte(metadata), &meta); err == nil {
			e.PlaylistID = meta.PlaylistID
			e.RouteID = meta.RouteID
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// FrequentPlaylists returns playlists created at or after since whose
// usage count exceeds minUsage, most used first. The usage count is the
// number of playlist-stop rows, so it grows with the stop count.
func (s *Store) FrequentPlaylists(ctx context.Context, since time.Time, minUsage, limit int) ([]Playlist, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, s.address
		FROM playlists p
		JOIN stops s ON p.id = s.playlist_id
		WHERE p.created_at >= ?
		ORDER BY p.id, s.order_index`,
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query playlists: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*Playlist)
	var order []int64
	for rows.Next() {
		var id int64
		var address string
		if err := rows.Scan(&id, &address); err != nil {
			return nil, fmt.Errorf("scan playlist stop: %w", err)
		}
		p, ok := byID[id]
		if !ok {
			p = &Playlist{ID: id}
			byID[id] = p
			order = append(order, id)
		}
		p.UsageCount++
		if address = strings.TrimSpace(address); address != "" {
			p.Addresses = append(p.Addresses, address)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Playlist
	for _, id := range order {
		if p := byID[id]; p.UsageCount > minUsage {
			out = append(out, *p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UsageCount > out[j].UsageCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UserAddressPatterns returns users with more than minPlaylists playlists
// created at or after since, with the distinct addresses of their stops.
func (s *Store) UserAddressPatterns(ctx context.Context, since time.Time, minPlaylists, limit int) ([]UserPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.user_id, p.id, s.address
		FROM playlists p
		JOIN stops s ON p.id = s.playlist_id
		WHERE p.created_at >= ?
		ORDER BY p.user_id, p.id, s.order_index`,
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query user patterns: %w", err)
	}
	defer rows.Close()

	type acc struct {
		pattern   UserPattern
		playlists map[int64]bool
		seen      map[string]bool
	}
	byUser := make(map[int64]*acc)
	var order []int64
	for rows.Next() {
		var userID, playlistID int64
		var address string
		if err := rows.Scan(&userID, &playlistID, &address); err != nil {
			return nil, fmt.Errorf("scan user stop: %w", err)
		}
		a, ok := byUser[userID]
		if !ok {
			a = &acc{
				pattern:   UserPattern{UserID: userID},
				playlists: make(map[int64]bool),
				seen:      make(map[string]bool),
			}
			byUser[userID] = a
			order = append(order, userID)
		}
		a.playlists[playlistID] = true
		address = strings.TrimSpace(address)
		if address != "" && !a.seen[address] {
			a.seen[address] = true
			a.pattern.Addresses = append(a.pattern.Addresses, address)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []UserPattern
	for _, id := range order {
		a := byUser[id]
		a.pattern.PlaylistCount = len(a.playlists)
		if a.pattern.PlaylistCount > minPlaylists {
			out = append(out, a.pattern)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PlaylistCount > out[j].PlaylistCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendEvent inserts an audit log row.
func (s *Store) AppendEvent(ctx context.Context, e Event) (int64, error) {
	meta := map[string]int64{}
	if e.PlaylistID != 0 {
		meta["playlist_id"] = e.PlaylistID
	}
	if e.RouteID != 0 {
		meta["route_id"] = e.RouteID
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshal event metadata: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event_type, description, metadata, created_at) VALUES (?, ?, ?, ?)`,
		e.Type, e.Description, string(data), e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// AddPlaylist inserts a playlist with its stops in order and returns its id.
func (s *Store) AddPlaylist(ctx context.Context, userID int64, name string, createdAt time.Time, addresses []string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO playlists (user_id, name, created_at) VALUES (?, ?, ?)`,
		userID, name, createdAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert playlist: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO stops (playlist_id, order_index, address) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare stop insert: %w", err)
	}
	defer stmt.Close()

	for i, addr := range addresses {
		if _, err := stmt.ExecContext(ctx, id, i, addr); err != nil {
			return 0, fmt.Errorf("insert stop: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit playlist: %w", err)
	}
	return id, nil
}
