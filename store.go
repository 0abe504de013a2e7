package main

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed db_seed.json
var missionSeed []byte

const schemaSQL = `
CREATE TABLE IF NOT EXISTS missions (
	id INTEGER PRIMARY KEY,
	text_en TEXT NOT NULL,
	text_it TEXT NOT NULL DEFAULT '',
	text_fr TEXT NOT NULL DEFAULT '',
	approved_at INTEGER
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY,
	token TEXT NOT NULL UNIQUE,
	language TEXT NOT NULL DEFAULT 'en',
	created_at INTEGER NOT NULL,
	started_at INTEGER
);

CREATE TABLE IF NOT EXISTS assignments (
	id INTEGER PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	mission_id INTEGER NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
	player_name TEXT NOT NULL,
	target_player_name TEXT NOT NULL,
	claimed_by TEXT,
	UNIQUE(session_id, player_name),
	UNIQUE(session_id, mission_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_claimed_by
	ON assignments(session_id, claimed_by) WHERE claimed_by IS NOT NULL;
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store holds all game state in a single SQLite file, so session creation,
// claims, and starts share one transaction and visibility boundary.
type Store struct {
	db *sql.DB

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// OpenStore opens the SQLite store, applies the schema, and seeds the
// mission catalog when it is empty.
func OpenStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	store := &Store{
		db:  sqlDB,
		rng: rand.New(rand.NewSource(newSeed())),
	}

	if err := store.seedMissions(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("seed missions: %w", err)
	}

	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type seedMission struct {
	EN       string `json:"en"`
	IT       string `json:"it"`
	FR       string `json:"fr"`
	Approved bool   `json:"approved"`
}

type seedFile struct {
	Missions []seedMission `json:"missions"`
}

// seedMissions loads the embedded catalog into an empty missions table.
func (s *Store) seedMissions(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM missions`).Scan(&count); err != nil {
		return fmt.Errorf("count missions: %w", err)
	}
	if count > 0 {
		return nil
	}

	var seed seedFile
	if err := json.Unmarshal(missionSeed, &seed); err != nil {
		return fmt.Errorf("parse mission seed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := toMillis(time.Now())
	for _, m := range seed.Missions {
		var approvedAt sql.NullInt64
		if m.Approved {
			approvedAt = sql.NullInt64{Int64: now, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO missions (text_en, text_it, text_fr, approved_at)
VALUES (?, ?, ?, ?)
`, m.EN, m.IT, m.FR, approvedAt)
		if err != nil {
			return fmt.Errorf("insert mission: %w", err)
		}
	}

	return tx.Commit()
}

// EligibleMissions returns every approved mission, the only ones the
// assignment engine may draw from.
func (s *Store) EligibleMissions(ctx context.Context) ([]Mission, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, text_en, text_it, text_fr, approved_at
FROM missions
WHERE approved_at IS NOT NULL
ORDER BY id
`)
	if err != nil {
		return nil, fmt.Errorf("query eligible missions: %w", err)
	}
	defer rows.Close()

	var missions []Mission
	for rows.Next() {
		var m Mission
		var approvedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.TextEN, &m.TextIT, &m.TextFR, &approvedAt); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		if approvedAt.Valid {
			value := fromMillis(approvedAt.Int64)
			m.ApprovedAt = &value
		}
		missions = append(missions, m)
	}

	return missions, rows.Err()
}
