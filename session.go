package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidPlayerSet      = errors.New("between 3 and 20 distinct player names are required")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionAlreadyStarted = errors.New("session has already started")
	ErrSlotUnavailable       = errors.New("that player is unavailable or already checked in")
	ErrIdentityAlreadyBound  = errors.New("this browser already checked in as another player")
	ErrNotClaimed            = errors.New("this browser has not checked in as any player")
	ErrNotAllReady           = errors.New("not every player has checked in yet")
)

const (
	minPlayers = 3
	maxPlayers = 20
)

// Session is one instance of the game: a fixed roster, one mission per
// player, and a start gate. started_at unset means the session is still
// forming; once set the session is started, permanently.
type Session struct {
	ID        int64
	Token     string
	Language  Language
	CreatedAt time.Time
	StartedAt *time.Time
}

func (s *Session) Started() bool {
	return s.StartedAt != nil
}

// AssignmentRecord is one player's slot within a session. ClaimedBy is the
// opaque browser identity bound to the slot, or empty while unclaimed.
type AssignmentRecord struct {
	ID               int64
	SessionID        int64
	MissionID        int64
	PlayerName       string
	TargetPlayerName string
	ClaimedBy        string
}

// newSessionToken generates the public session token: a dashless UUID,
// so links stay short and copy-paste friendly.
func newSessionToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// normalizePlayerNames trims whitespace and drops empty and duplicate
// names, preserving first-seen order.
func normalizePlayerNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// CreateSession creates a session and all of its assignment records as a
// single atomic unit: either the session and every record persist, or
// nothing does.
func (s *Store) CreateSession(ctx context.Context, names []string, lang Language) (*Session, error) {
	players := normalizePlayerNames(names)
	if len(players) < minPlayers || len(players) > maxPlayers {
		return nil, ErrInvalidPlayerSet
	}

	pool, err := s.EligibleMissions(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	drafts, err := assign(s.rng, players, pool)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	session := &Session{
		Token:     newSessionToken(),
		Language:  lang,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
INSERT INTO sessions (token, language, created_at)
VALUES (?, ?, ?)
`, session.Token, string(session.Language), toMillis(session.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	session.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}

	for _, d := range drafts {
		_, err := tx.ExecContext(ctx, `
INSERT INTO assignments (session_id, mission_id, player_name, target_player_name)
VALUES (?, ?, ?, ?)
`, session.ID, d.mission.ID, d.playerName, d.targetPlayerName)
		if err != nil {
			return nil, fmt.Errorf("insert assignment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}

	return session, nil
}

// SessionByToken looks up a session by its public token.
func (s *Store) SessionByToken(ctx context.Context, token string) (*Session, error) {
	var session Session
	var lang string
	var createdAt int64
	var startedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
SELECT id, token, language, created_at, started_at
FROM sessions
WHERE token = ?
`, token).Scan(&session.ID, &session.Token, &lang, &createdAt, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	session.Language = ParseLanguage(lang)
	session.CreatedAt = fromMillis(createdAt)
	if startedAt.Valid {
		value := fromMillis(startedAt.Int64)
		session.StartedAt = &value
	}

	return &session, nil
}

// Claim binds a browser identity to an unclaimed slot. Each identity may
// hold at most one slot per session, and claims are only possible while
// the session is still forming.
func (s *Store) Claim(ctx context.Context, session *Session, recordID int64, identity string) error {
	if identity == "" {
		return ErrMissingIdentity
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := requireForming(ctx, tx, session.ID); err != nil {
		return err
	}

	var held int
	err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM assignments WHERE session_id = ? AND claimed_by = ?
`, session.ID, identity).Scan(&held)
	if err != nil {
		return fmt.Errorf("query claims: %w", err)
	}
	if held > 0 {
		return ErrIdentityAlreadyBound
	}

	res, err := tx.ExecContext(ctx, `
UPDATE assignments SET claimed_by = ?
WHERE id = ? AND session_id = ? AND claimed_by IS NULL
`, identity, recordID, session.ID)
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSlotUnavailable
	}

	return tx.Commit()
}

// Unclaim releases whichever slot the identity currently holds. The slot's
// mission and target stay untouched, so a later re-claim sees the same
// assignment.
func (s *Store) Unclaim(ctx context.Context, session *Session, identity string) error {
	if identity == "" {
		return ErrMissingIdentity
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := requireForming(ctx, tx, session.ID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE assignments SET claimed_by = NULL
WHERE session_id = ? AND claimed_by = ?
`, session.ID, identity)
	if err != nil {
		return fmt.Errorf("unclaim slot: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotClaimed
	}

	return tx.Commit()
}

// Start flips the session from forming to started, but only when every
// slot is claimed. The conditional update is a single statement, so two
// concurrent starts cannot both succeed.
func (s *Store) Start(ctx context.Context, session *Session) error {
	now := time.Now().UTC().Truncate(time.Millisecond)

	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET started_at = ?
WHERE id = ?
  AND started_at IS NULL
  AND NOT EXISTS (
    SELECT 1 FROM assignments
    WHERE session_id = sessions.id AND claimed_by IS NULL
  )
`, toMillis(now), session.ID)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		session.StartedAt = &now
		return nil
	}

	var startedAt sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
SELECT started_at FROM sessions WHERE id = ?
`, session.ID).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("query session state: %w", err)
	}
	if startedAt.Valid {
		return ErrSessionAlreadyStarted
	}
	return ErrNotAllReady
}

// requireForming rejects transitions on sessions that already started.
func requireForming(ctx context.Context, tx *sql.Tx, sessionID int64) error {
	var startedAt sql.NullInt64
	err := tx.QueryRowContext(ctx, `
SELECT started_at FROM sessions WHERE id = ?
`, sessionID).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("query session state: %w", err)
	}
	if startedAt.Valid {
		return ErrSessionAlreadyStarted
	}
	return nil
}

// PlayerStatus is one row of the session view: who is in the roster and
// whether they have checked in. IsSelf marks the requesting identity's
// own slot.
type PlayerStatus struct {
	RecordID   int64
	PlayerName string
	Ready      bool
	IsSelf     bool
}

// SessionView is the read projection consumed by the presentation layer.
// Players are sorted by name, never by assignment order, so the listing
// cannot leak the target cycle. Mission and Target are populated only
// once the session has started, and only for the requesting identity's
// own record.
type SessionView struct {
	Token    string
	Language Language
	Started  bool
	AllReady bool
	Players  []PlayerStatus
	Mission  string
	Target   string
}

// View assembles the session view for one browser identity. An empty
// identity is allowed and simply observes no slot as its own.
func (s *Store) View(ctx context.Context, session *Session, identity string) (*SessionView, error) {
	var lang string
	var startedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT language, started_at FROM sessions WHERE id = ?
`, session.ID).Scan(&lang, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	view := &SessionView{
		Token:    session.Token,
		Language: ParseLanguage(lang),
		Started:  startedAt.Valid,
		AllReady: true,
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT a.id, a.player_name, a.target_player_name, a.claimed_by,
       m.text_en, m.text_it, m.text_fr
FROM assignments a
JOIN missions m ON m.id = a.mission_id
WHERE a.session_id = ?
ORDER BY a.player_name
`, session.ID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var recordID int64
		var playerName, targetPlayerName string
		var claimedBy sql.NullString
		var mission Mission
		if err := rows.Scan(&recordID, &playerName, &targetPlayerName, &claimedBy,
			&mission.TextEN, &mission.TextIT, &mission.TextFR); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}

		isSelf := identity != "" && claimedBy.Valid && claimedBy.String == identity
		view.Players = append(view.Players, PlayerStatus{
			RecordID:   recordID,
			PlayerName: playerName,
			Ready:      claimedBy.Valid,
			IsSelf:     isSelf,
		})
		if !claimedBy.Valid {
			view.AllReady = false
		}

		// Mission and target are revealed only to their own player, and
		// only once the session has started.
		if view.Started && isSelf {
			view.Mission = mission.TextIn(view.Language)
			view.Target = targetPlayerName
		}
	}

	return view, rows.Err()
}
