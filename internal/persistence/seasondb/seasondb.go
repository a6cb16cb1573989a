// Package seasondb persists seasons, match outcomes and player ratings in
// a single sqlite file. One writer connection in WAL mode keeps writes
// serialized without blocking readers.
package seasondb

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// MatchRecord is the persisted outcome of one race.
type MatchRecord struct {
	RoomID     string
	Seed       string
	ReplayID   string
	StartedAt  time.Time
	DurationMs int64
	Entries    []PlayerResult
}

type PlayerResult struct {
	Name   string
	Place  int
	TimeMs int64
	DNF    bool
}

// RatingRow is one leaderboard line.
type RatingRow struct {
	Name   string `json:"name"`
	Rating int    `json:"rating"`
	Wins   int    `json:"wins"`
	Races  int    `json:"races"`
}

type DB struct {
	log *log.Logger
	sql *sql.DB
	mu  sync.Mutex // single writer
}

const schema = `
CREATE TABLE IF NOT EXISTS players (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS seasons (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);
CREATE TABLE IF NOT EXISTS matches (
	id          TEXT PRIMARY KEY,
	season_id   TEXT NOT NULL REFERENCES seasons(id),
	room_id     TEXT NOT NULL,
	seed        TEXT NOT NULL,
	replay_id   TEXT,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	match_id     TEXT NOT NULL REFERENCES matches(id),
	player_id    TEXT NOT NULL REFERENCES players(id),
	place        INTEGER NOT NULL,
	time_ms      INTEGER NOT NULL,
	dnf          INTEGER NOT NULL DEFAULT 0,
	rating_delta INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (match_id, player_id)
);
CREATE TABLE IF NOT EXISTS ratings (
	season_id TEXT NOT NULL REFERENCES seasons(id),
	player_id TEXT NOT NULL REFERENCES players(id),
	rating    INTEGER NOT NULL,
	wins      INTEGER NOT NULL DEFAULT 0,
	races     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (season_id, player_id)
);
CREATE INDEX IF NOT EXISTS idx_results_player ON results(player_id);
CREATE INDEX IF NOT EXISTS idx_ratings_season ON ratings(season_id, rating DESC);
`

func Open(path string, logger *log.Logger) (*DB, error) {
	h, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open season db: %w", err)
	}
	h.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := h.Exec(pragma); err != nil {
			h.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := h.Exec(schema); err != nil {
		h.Close()
		return nil, fmt.Errorf("migrate season db: %w", err)
	}
	return &DB{log: logger, sql: h}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

// EnsureCurrentSeason returns the open season, creating a month-named one
// when none exists.
func (d *DB) EnsureCurrentSeason() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureSeasonLocked()
}

func (d *DB) ensureSeasonLocked() (string, error) {
	var id string
	err := d.sql.QueryRow(`SELECT id FROM seasons WHERE ended_at IS NULL ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("find open season: %w", err)
	}
	return d.startSeasonLocked("Season " + time.Now().UTC().Format("2006-01"))
}

// StartSeason closes any open season and opens a new one under name.
func (d *DB) StartSeason(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UnixMilli()
	if _, err := d.sql.Exec(`UPDATE seasons SET ended_at = ? WHERE ended_at IS NULL`, now); err != nil {
		return "", fmt.Errorf("close open season: %w", err)
	}
	return d.startSeasonLocked(name)
}

func (d *DB) startSeasonLocked(name string) (string, error) {
	id := uuid.NewString()
	_, err := d.sql.Exec(`INSERT INTO seasons (id, name, started_at) VALUES (?, ?, ?)`,
		id, name, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("create season %q: %w", name, err)
	}
	d.log.Printf("[seasondb] season %q opened (%s)", name, id)
	return id, nil
}

// RecordMatch stores the match and its per-player results, then applies
// rating updates. Races with fewer than two placed finishers are stored
// but do not move ratings.
func (d *DB) RecordMatch(rec MatchRecord) error {
	if len(rec.Entries) == 0 {
		return fmt.Errorf("match has no entries")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	seasonID, err := d.ensureSeasonLocked()
	if err != nil {
		return err
	}

	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin match tx: %w", err)
	}
	defer tx.Rollback()

	matchID := uuid.NewString()
	_, err = tx.Exec(`INSERT INTO matches (id, season_id, room_id, seed, replay_id, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		matchID, seasonID, rec.RoomID, rec.Seed, nullable(rec.ReplayID),
		rec.StartedAt.UnixMilli(), rec.DurationMs)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}

	playerIDs := make([]string, len(rec.Entries))
	for i, e := range rec.Entries {
		pid, err := upsertPlayer(tx, e.Name)
		if err != nil {
			return err
		}
		playerIDs[i] = pid
	}

	deltas, err := applyRatings(tx, seasonID, rec.Entries, playerIDs)
	if err != nil {
		return err
	}
	for i, e := range rec.Entries {
		_, err = tx.Exec(`INSERT INTO results (match_id, player_id, place, time_ms, dnf, rating_delta)
			VALUES (?, ?, ?, ?, ?, ?)`,
			matchID, playerIDs[i], e.Place, e.TimeMs, boolInt(e.DNF), deltas[i])
		if err != nil {
			return fmt.Errorf("insert result for %q: %w", e.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit match: %w", err)
	}
	d.log.Printf("[seasondb] match %s recorded: %d players, %dms", matchID, len(rec.Entries), rec.DurationMs)
	return nil
}

func upsertPlayer(tx *sql.Tx, name string) (string, error) {
	var id string
	err := tx.QueryRow(`SELECT id FROM players WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup player %q: %w", name, err)
	}
	id = uuid.NewString()
	if _, err := tx.Exec(`INSERT INTO players (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, time.Now().UnixMilli()); err != nil {
		return "", fmt.Errorf("create player %q: %w", name, err)
	}
	return id, nil
}

// Leaderboard returns one page of the season's ratings, best first.
func (d *DB) Leaderboard(seasonID string, limit, offset int) ([]RatingRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := d.sql.Query(`
		SELECT p.name, r.rating, r.wins, r.races
		FROM ratings r JOIN players p ON p.id = r.player_id
		WHERE r.season_id = ?
		ORDER BY r.rating DESC, p.name ASC
		LIMIT ? OFFSET ?`, seasonID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()
	var out []RatingRow
	for rows.Next() {
		var r RatingRow
		if err := rows.Scan(&r.Name, &r.Rating, &r.Wins, &r.Races); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rating returns a player's season rating, or the initial rating when the
// player has not raced yet.
func (d *DB) Rating(seasonID, name string) (int, error) {
	var rating int
	err := d.sql.QueryRow(`
		SELECT r.rating FROM ratings r JOIN players p ON p.id = r.player_id
		WHERE r.season_id = ? AND p.name = ?`, seasonID, name).Scan(&rating)
	if err == sql.ErrNoRows {
		return initialRating, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query rating: %w", err)
	}
	return rating, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
