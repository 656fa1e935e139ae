package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/livetrack/testutil"
)

func TestFlagRedundantAcrossSinks(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "flag.json")
	store := testutil.NewMemoryStore()
	m := NewManager(store, file)
	ctx := context.Background()

	if m.WasActive(ctx) {
		t.Fatal("fresh state must not be active")
	}

	m.MarkActive(ctx)
	if v, _ := store.GetFlag(ctx, FlagMonitoringActive); v != "1" {
		t.Fatalf("store flag = %q", v)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("file mirror missing: %v", err)
	}
	if !m.WasActive(ctx) {
		t.Fatal("active flag not readable back")
	}

	m.ClearActive(ctx)
	if m.WasActive(ctx) {
		t.Fatal("cleared flag still reads active")
	}
	if v, _ := store.GetFlag(ctx, FlagMonitoringActive); v != "" {
		t.Fatalf("store flag after clear = %q", v)
	}
}

func TestFileMirrorSurvivesStoreLoss(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "flag.json")
	store := testutil.NewMemoryStore()
	ctx := context.Background()

	NewManager(store, file).MarkActive(ctx)

	// Next boot: store lost its contents (or is unreachable), file survives.
	m2 := NewManager(testutil.NewMemoryStore(), file)
	if !m2.WasActive(ctx) {
		t.Fatal("file mirror must carry the flag when the store lost it")
	}

	m3 := NewManager(nil, file)
	if !m3.WasActive(ctx) {
		t.Fatal("file-only manager must read the mirror")
	}
}

func TestCorruptFileMirrorIgnored(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "flag.json")
	if err := os.WriteFile(file, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(nil, file)
	if m.WasActive(context.Background()) {
		t.Fatal("corrupt mirror must not read active")
	}
}

type failingFlags struct{ testutil.MemoryStore }

func (f *failingFlags) SetFlag(ctx context.Context, key, value string) error {
	return errors.New("store down")
}

func TestMarkActiveToleratesStoreFailure(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "flag.json")
	m := NewManager(&failingFlags{}, file)
	ctx := context.Background()

	m.MarkActive(ctx) // must not panic or drop the file write
	m2 := NewManager(nil, file)
	if !m2.WasActive(ctx) {
		t.Fatal("file mirror must still be written when the store fails")
	}
}
