package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"testing"
)

func sessionRecords(t *testing.T, store *Store, session *Session) []AssignmentRecord {
	t.Helper()

	rows, err := store.db.Query(`
SELECT id, session_id, mission_id, player_name, target_player_name, claimed_by
FROM assignments
WHERE session_id = ?
ORDER BY id
`, session.ID)
	if err != nil {
		t.Fatalf("query assignments: %v", err)
	}
	defer rows.Close()

	var records []AssignmentRecord
	for rows.Next() {
		var r AssignmentRecord
		var claimedBy sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.MissionID, &r.PlayerName, &r.TargetPlayerName, &claimedBy); err != nil {
			t.Fatalf("scan assignment: %v", err)
		}
		r.ClaimedBy = claimedBy.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return records
}

// claimAll binds identity-<name> to every slot of the session.
func claimAll(t *testing.T, store *Store, session *Session) {
	t.Helper()

	ctx := context.Background()
	for _, r := range sessionRecords(t, store, session) {
		if err := store.Claim(ctx, session, r.ID, "identity-"+r.PlayerName); err != nil {
			t.Fatalf("claim %q: %v", r.PlayerName, err)
		}
	}
}

func TestCreateSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateSession(ctx, []string{"Alice", "Bob", "Charlie"}, LangFrench)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.Token == "" {
		t.Fatal("empty session token")
	}

	session, err := store.SessionByToken(ctx, created.Token)
	if err != nil {
		t.Fatalf("session by token: %v", err)
	}
	if session.Language != LangFrench {
		t.Fatalf("language = %q, want %q", session.Language, LangFrench)
	}
	if session.Started() {
		t.Fatal("new session reported started")
	}

	records := sessionRecords(t, store, session)
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	// The target relation must form a 3-cycle over the roster.
	targets := make(map[string]string, len(records))
	for _, r := range records {
		targets[r.PlayerName] = r.TargetPlayerName
		if r.ClaimedBy != "" {
			t.Fatalf("new record %q already claimed", r.PlayerName)
		}
	}
	current := "Alice"
	for step := 1; step <= 3; step++ {
		next, ok := targets[current]
		if !ok {
			t.Fatalf("no target for %q", current)
		}
		if next == current {
			t.Fatalf("%q targets themselves", current)
		}
		current = next
		if current == "Alice" && step < 3 {
			t.Fatalf("cycle closed after %d steps", step)
		}
	}
	if current != "Alice" {
		t.Fatal("target relation is not a single 3-cycle")
	}
}

func TestCreateSessionDistinctMissions(t *testing.T) {
	store := newTestStore(t)

	session, err := store.CreateSession(context.Background(),
		testPlayers(maxPlayers), LangEnglish)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	seen := make(map[int64]bool)
	for _, r := range sessionRecords(t, store, session) {
		if seen[r.MissionID] {
			t.Fatalf("mission %d assigned twice", r.MissionID)
		}
		seen[r.MissionID] = true
	}
}

func TestCreateSessionInvalidPlayerSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		names []string
	}{
		{"too few", []string{"Alice", "Bob"}},
		{"too many", testPlayers(maxPlayers + 1)},
		{"duplicates collapse below minimum", []string{" Alice ", "Alice", "Bob", ""}},
		{"whitespace only", []string{"  ", "\t", "Alice", "Bob"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.CreateSession(ctx, tc.names, LangEnglish)
			if !errors.Is(err, ErrInvalidPlayerSet) {
				t.Fatalf("err = %v, want ErrInvalidPlayerSet", err)
			}
		})
	}
}

func TestCreateSessionInsufficientMissionsRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Leave fewer approved missions than players.
	if _, err := store.db.Exec(`
UPDATE missions SET approved_at = NULL
WHERE id NOT IN (SELECT id FROM missions WHERE approved_at IS NOT NULL LIMIT 3)
`); err != nil {
		t.Fatalf("unapprove missions: %v", err)
	}

	_, err := store.CreateSession(ctx, testPlayers(4), LangEnglish)
	if !errors.Is(err, ErrInsufficientMissions) {
		t.Fatalf("err = %v, want ErrInsufficientMissions", err)
	}

	var sessions, records int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessions); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM assignments`).Scan(&records); err != nil {
		t.Fatalf("count assignments: %v", err)
	}
	if sessions != 0 || records != 0 {
		t.Fatalf("partial state survived: %d sessions, %d records", sessions, records)
	}
}

func TestSessionByTokenNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SessionByToken(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestClaimFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, []string{"Alice", "Bob", "Charlie"}, LangEnglish)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	records := sessionRecords(t, store, session)

	if err := store.Claim(ctx, session, records[0].ID, "browser-a"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// A second claim of the same slot fails and leaves the claim intact.
	err = store.Claim(ctx, session, records[0].ID, "browser-b")
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("err = %v, want ErrSlotUnavailable", err)
	}
	if got := sessionRecords(t, store, session)[0].ClaimedBy; got != "browser-a" {
		t.Fatalf("claim changed to %q", got)
	}

	// One identity may hold at most one slot per session.
	err = store.Claim(ctx, session, records[1].ID, "browser-a")
	if !errors.Is(err, ErrIdentityAlreadyBound) {
		t.Fatalf("err = %v, want ErrIdentityAlreadyBound", err)
	}

	// Claiming a record ID that does not exist is just an unavailable slot.
	err = store.Claim(ctx, session, 999999, "browser-b")
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("err = %v, want ErrSlotUnavailable", err)
	}

	if err := store.Claim(ctx, session, records[0].ID, ""); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("err = %v, want ErrMissingIdentity", err)
	}
}

func TestUnclaimPreservesAssignment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, []string{"Alice", "Bob", "Charlie"}, LangEnglish)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	before := sessionRecords(t, store, session)

	if err := store.Claim(ctx, session, before[0].ID, "browser-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Unclaim(ctx, session, "browser-a"); err != nil {
		t.Fatalf("unclaim: %v", err)
	}

	// Unclaiming again finds nothing to release.
	if err := store.Unclaim(ctx, session, "browser-a"); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("err = %v, want ErrNotClaimed", err)
	}

	// Re-claiming sees the identical mission and target.
	if err := store.Claim(ctx, session, before[0].ID, "browser-b"); err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	after := sessionRecords(t, store, session)
	if after[0].MissionID != before[0].MissionID || after[0].TargetPlayerName != before[0].TargetPlayerName {
		t.Fatal("unclaim/re-claim changed the assignment")
	}
}

func TestStartRequiresAllClaimed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, []string{"Alice", "Bob", "Charlie"}, LangEnglish)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	records := sessionRecords(t, store, session)

	// n-1 claimed is not enough.
	for _, r := range records[:len(records)-1] {
		if err := store.Claim(ctx, session, r.ID, "identity-"+r.PlayerName); err != nil {
			t.Fatalf("claim %q: %v", r.PlayerName, err)
		}
	}
	if err := store.Start(ctx, session); !errors.Is(err, ErrNotAllReady) {
		t.Fatalf("err = %v, want ErrNotAllReady", err)
	}

	last := records[len(records)-1]
	if err := store.Claim(ctx, session, last.ID, "identity-"+last.PlayerName); err != nil {
		t.Fatalf("claim %q: %v", last.PlayerName, err)
	}
	if err := store.Start(ctx, session); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !session.Started() {
		t.Fatal("session not marked started")
	}

	// Starting twice is reported, not silently ignored.
	fresh, err := store.SessionByToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("session by token: %v", err)
	}
	if err := store.Start(ctx, fresh); !errors.Is(err, ErrSessionAlreadyStarted) {
		t.Fatalf("err = %v, want ErrSessionAlreadyStarted", err)
	}
}

func TestNoTransitionsAfterStart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, []string{"Alice", "Bob", "Charlie"}, LangEnglish)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	claimAll(t, store, session)
	if err := store.Start(ctx, session); err != nil {
		t.Fatalf("start: %v", err)
	}

	records := sessionRecords(t, store, session)
	if err := store.Claim(ctx, session, records[0].ID, "latecomer"); !errors.Is(err, ErrSessionAlreadyStarted) {
		t.Fatalf("claim err = %v, want ErrSessionAlreadyStarted", err)
	}
	if err := store.Unclaim(ctx, session, records[0].ClaimedBy); !errors.Is(err, ErrSessionAlreadyStarted) {
		t.Fatalf("unclaim err = %v, want ErrSessionAlreadyStarted", err)
	}
}

func TestViewSortedByPlayerName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, []string{"Zoe", "Alice", "Mallory", "Bob"}, LangEnglish)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	view, err := store.View(ctx, session, "")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(view.Players) != 4 {
		t.Fatalf("got %d players, want 4", len(view.Players))
	}
	if view.AllReady {
		t.Fatal("empty session reported all ready")
	}

	names := make([]string, 0, len(view.Players))
	for _, p := range view.Players {
		names = append(names, p.PlayerName)
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("players not sorted by name: %v", names)
	}
}

func TestViewRevealsOnlyOwnMission(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, []string{"Alice", "Bob", "Charlie"}, LangFrench)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	claimAll(t, store, session)

	// Before the start, nobody sees a mission, not even claimers.
	for _, r := range sessionRecords(t, store, session) {
		view, err := store.View(ctx, session, r.ClaimedBy)
		if err != nil {
			t.Fatalf("view: %v", err)
		}
		if !view.AllReady {
			t.Fatal("all claimed but not reported ready")
		}
		if view.Mission != "" || view.Target != "" {
			t.Fatal("mission revealed before start")
		}
	}

	if err := store.Start(ctx, session); err != nil {
		t.Fatalf("start: %v", err)
	}

	records := sessionRecords(t, store, session)
	for _, r := range records {
		view, err := store.View(ctx, session, r.ClaimedBy)
		if err != nil {
			t.Fatalf("view: %v", err)
		}
		if !view.Started {
			t.Fatal("view not marked started")
		}
		if view.Mission == "" {
			t.Fatalf("no mission revealed to %q", r.PlayerName)
		}
		if view.Target != r.TargetPlayerName {
			t.Fatalf("target = %q, want %q", view.Target, r.TargetPlayerName)
		}
		if view.Target == r.PlayerName {
			t.Fatalf("%q was shown themselves as target", r.PlayerName)
		}

		selfs := 0
		for _, p := range view.Players {
			if p.IsSelf {
				selfs++
				if p.PlayerName != r.PlayerName {
					t.Fatalf("IsSelf on %q, want %q", p.PlayerName, r.PlayerName)
				}
			}
		}
		if selfs != 1 {
			t.Fatalf("%d IsSelf rows, want 1", selfs)
		}
	}

	// A browser that never claimed sees readiness but no mission.
	view, err := store.View(ctx, session, "stranger")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Mission != "" || view.Target != "" {
		t.Fatal("mission revealed to a stranger identity")
	}
	for _, p := range view.Players {
		if p.IsSelf {
			t.Fatalf("stranger marked as %q", p.PlayerName)
		}
	}
}

func TestViewMissionInSessionLanguage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, []string{"Alice", "Bob", "Charlie"}, LangFrench)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	claimAll(t, store, session)
	if err := store.Start(ctx, session); err != nil {
		t.Fatalf("start: %v", err)
	}

	records := sessionRecords(t, store, session)
	view, err := store.View(ctx, session, records[0].ClaimedBy)
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	var want string
	err = store.db.QueryRow(`SELECT text_fr FROM missions WHERE id = ?`, records[0].MissionID).Scan(&want)
	if err != nil {
		t.Fatalf("query mission text: %v", err)
	}
	if view.Mission != want {
		t.Fatalf("mission = %q, want French text %q", view.Mission, want)
	}
}

func TestSessionTokensAreUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		session, err := store.CreateSession(ctx,
			[]string{fmt.Sprintf("A%d", i), fmt.Sprintf("B%d", i), fmt.Sprintf("C%d", i)}, LangEnglish)
		if err != nil {
			t.Fatalf("create session %d: %v", i, err)
		}
		if seen[session.Token] {
			t.Fatalf("token %q repeated", session.Token)
		}
		seen[session.Token] = true
	}
}
