package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/livetrack/db"
	"github.com/onnwee/livetrack/session"
	"github.com/onnwee/livetrack/testutil"
)

func TestConnectUsesProvidedDSN(t *testing.T) {
	// sql.Open is lazy, so an unreachable DSN still yields a handle.
	d, err := db.Connect("postgres://u:p@127.0.0.1:1/livetrack?sslmode=disable")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = d.Close()

	// Empty DSN falls back to the compose default instead of failing.
	d, err = db.Connect("")
	if err != nil {
		t.Fatalf("connect with default dsn: %v", err)
	}
	_ = d.Close()
}

func TestUpsertAndLoadSessions(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	sess := &session.Session{
		Account:             "alice",
		ID:                  session.NewID("alice", "r1", start),
		RoomID:              "r1",
		Status:              session.StatusLive,
		StartedAt:           start,
		MonitoringStartedAt: start,
		LastUpdateAt:        start,
		Viewer:              10,
		PeakViewer:          15,
		TotalValue:          100,
		ConnectionAttempts:  1,
		Gifts: []session.GiftEntry{
			{Contributor: "bob", Item: "rose", Value: 100, Count: 2, Timestamp: start},
		},
		Leaderboard: []session.LeaderboardEntry{{Contributor: "bob", Value: 100}},
	}
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Repeated upsert with newer state updates in place.
	sess.Viewer = 20
	sess.PeakViewer = 20
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	loaded, err := store.LoadAllSessions(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := findSession(loaded["alice"], sess.ID)
	if got == nil {
		t.Fatalf("session %s not loaded", sess.ID)
	}
	if got.Viewer != 20 || got.PeakViewer != 20 {
		t.Fatalf("upsert did not update: %+v", got)
	}
	if len(got.Gifts) != 1 || got.Gifts[0].Contributor != "bob" {
		t.Fatalf("gifts round trip failed: %+v", got.Gifts)
	}
	if len(got.Leaderboard) != 1 || got.Leaderboard[0].Value != 100 {
		t.Fatalf("leaderboard round trip failed: %+v", got.Leaderboard)
	}
	if !got.StartedAt.Equal(start) {
		t.Fatalf("timestamp_start = %v, want %v", got.StartedAt, start)
	}
}

func TestFlagRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()

	if v, err := store.GetFlag(ctx, "livetrack_test_flag"); err != nil || v != "" {
		t.Fatalf("missing flag = %q err=%v, want empty/nil", v, err)
	}
	if err := store.SetFlag(ctx, "livetrack_test_flag", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetFlag(ctx, "livetrack_test_flag", "2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _ := store.GetFlag(ctx, "livetrack_test_flag"); v != "2" {
		t.Fatalf("flag = %q, want 2", v)
	}
	if err := store.DeleteFlag(ctx, "livetrack_test_flag"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v, _ := store.GetFlag(ctx, "livetrack_test_flag"); v != "" {
		t.Fatalf("flag after delete = %q", v)
	}
	// Deleting again is not an error.
	if err := store.DeleteFlag(ctx, "livetrack_test_flag"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	// SetupTestDB already migrated once; a second run must be harmless.
	if err := db.Migrate(ctx, database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func findSession(ss []*session.Session, id string) *session.Session {
	for _, s := range ss {
		if s.ID == id {
			return s
		}
	}
	return nil
}
