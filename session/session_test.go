package session

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewIDDeterministic(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := NewID("alice", "room1", at)
	b := NewID("alice", "room1", at)
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, fmt.Sprintf("alice_%d_", at.UnixMilli())) {
		t.Fatalf("unexpected id shape: %s", a)
	}
	parts := strings.Split(a, "_")
	if got := parts[len(parts)-1]; len(got) != 8 {
		t.Fatalf("hash suffix should be 8 hex chars, got %q", got)
	}
	if c := NewID("alice", "room2", at); c == a {
		t.Fatalf("different room should produce different id")
	}
}

func TestRecordViewerTracksPeak(t *testing.T) {
	now := time.Now()
	s := newSession("alice", "r1", time.Time{}, now)
	s.recordViewer(10, now)
	s.recordViewer(50, now)
	s.recordViewer(20, now)
	if s.Viewer != 20 {
		t.Fatalf("viewer = %d, want 20", s.Viewer)
	}
	if s.PeakViewer != 50 {
		t.Fatalf("peak = %d, want 50", s.PeakViewer)
	}
}

func TestRecordGiftMergesIdenticalConsecutive(t *testing.T) {
	now := time.Now()
	ts := now.Truncate(time.Second)
	s := newSession("alice", "r1", time.Time{}, now)

	g := GiftEntry{Contributor: "bob", Item: "rose", Value: 1, Count: 1, Timestamp: ts}
	s.recordGift(g, now)
	s.recordGift(g, now)
	s.recordGift(g, now)

	if len(s.Gifts) != 1 {
		t.Fatalf("identical consecutive gifts should merge, got %d entries", len(s.Gifts))
	}
	if s.Gifts[0].Count != 3 || s.Gifts[0].Value != 3 {
		t.Fatalf("merged entry = count %d value %d, want 3/3", s.Gifts[0].Count, s.Gifts[0].Value)
	}
	if s.TotalValue != 3 {
		t.Fatalf("total value = %d, want 3", s.TotalValue)
	}

	// A different timestamp breaks the merge.
	g2 := g
	g2.Timestamp = ts.Add(time.Second)
	s.recordGift(g2, now)
	if len(s.Gifts) != 2 {
		t.Fatalf("non-identical gift should prepend, got %d entries", len(s.Gifts))
	}
	if s.Gifts[0].Timestamp != g2.Timestamp {
		t.Fatalf("newest gift should sit at index 0")
	}
}

func TestRecentGiftsBufferCapped(t *testing.T) {
	now := time.Now()
	s := newSession("alice", "r1", time.Time{}, now)
	for i := 0; i < 25; i++ {
		s.recordGift(GiftEntry{
			Contributor: fmt.Sprintf("user%d", i),
			Item:        "rose",
			Value:       1,
			Count:       1,
			Timestamp:   now.Add(time.Duration(i) * time.Second),
		}, now)
	}
	if len(s.Gifts) != recentGiftCap {
		t.Fatalf("buffer = %d entries, want %d", len(s.Gifts), recentGiftCap)
	}
	if s.Gifts[0].Contributor != "user24" {
		t.Fatalf("newest-first order violated, index 0 is %s", s.Gifts[0].Contributor)
	}
	if s.TotalValue != 25 {
		t.Fatalf("total value must count evicted gifts too, got %d", s.TotalValue)
	}
	if len(s.Leaderboard) != 25 {
		t.Fatalf("leaderboard grows past the buffer cap while open, got %d", len(s.Leaderboard))
	}
}

func TestFinalizeTrimsLeaderboardStable(t *testing.T) {
	now := time.Now()
	s := newSession("alice", "r1", time.Time{}, now)
	// 12 contributors, two tied at the trim boundary. Insertion order must
	// break the tie.
	for i := 0; i < 12; i++ {
		v := 100 - i*5
		if i == 10 || i == 11 {
			v = 55 // same as i==9
		}
		s.recordGift(GiftEntry{Contributor: fmt.Sprintf("c%02d", i), Item: "x", Value: v, Count: 1,
			Timestamp: now.Add(time.Duration(i) * time.Second)}, now)
	}
	if !s.finalize(now.Add(time.Minute)) {
		t.Fatal("finalize returned false on open session")
	}
	if len(s.Leaderboard) != leaderboardCap {
		t.Fatalf("leaderboard = %d entries, want %d", len(s.Leaderboard), leaderboardCap)
	}
	// c09 (55, inserted before c10/c11) must survive the trim.
	last := s.Leaderboard[leaderboardCap-1]
	if last.Contributor != "c09" {
		t.Fatalf("tie at trim boundary should keep earlier contributor, got %s", last.Contributor)
	}
	if len(s.Gifts) != 0 {
		t.Fatalf("finalize must clear the recent-gifts buffer, got %d", len(s.Gifts))
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newSession("alice", "r1", start, start)
	end := start.Add(95 * time.Second)
	if !s.finalize(end) {
		t.Fatal("first finalize returned false")
	}
	if s.finalize(end.Add(time.Hour)) {
		t.Fatal("second finalize must be a no-op")
	}
	if s.Status != StatusFinalized {
		t.Fatalf("status = %s", s.Status)
	}
	if s.Duration != "1m 35s" {
		t.Fatalf("duration = %q, want \"1m 35s\"", s.Duration)
	}
	if !s.EndedAt.Equal(end) {
		t.Fatalf("second finalize must not move EndedAt")
	}
}

func TestFinalizeUsesPlatformStartWhenKnown(t *testing.T) {
	createTime := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	observed := createTime.Add(2 * time.Hour)
	s := newSession("alice", "r1", createTime, observed)
	s.finalize(observed.Add(30 * time.Second))
	if s.Duration != "120m 30s" {
		t.Fatalf("duration = %q, want broadcast-relative \"120m 30s\"", s.Duration)
	}
	if s.MonitoredDuration != "0m 30s" {
		t.Fatalf("monitored duration = %q, want \"0m 30s\"", s.MonitoredDuration)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0m 0s"},
		{59 * time.Second, "0m 59s"},
		{61 * time.Second, "1m 1s"},
		{90 * time.Minute, "90m 0s"},
		{-5 * time.Second, "0m 0s"},
	}
	for _, c := range cases {
		if got := formatDuration(c.d); got != c.want {
			t.Errorf("formatDuration(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	s := newSession("alice", "r1", time.Time{}, now)
	s.recordGift(GiftEntry{Contributor: "bob", Item: "rose", Value: 1, Count: 1, Timestamp: now}, now)
	cp := s.Clone()
	cp.Gifts[0].Value = 999
	cp.Leaderboard[0].Value = 999
	if s.Gifts[0].Value == 999 || s.Leaderboard[0].Value == 999 {
		t.Fatal("clone shares slice backing with original")
	}
}
