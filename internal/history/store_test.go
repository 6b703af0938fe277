package history

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/autopilotd/autopilot/internal/card"
	"github.com/autopilotd/autopilot/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, NewHMACSigner([]byte("test-key")), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestOpenBootstrapsGenesisVersion(t *testing.T) {
	s := newTestStore(t)
	head, c, err := s.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.VersionID == "" {
		t.Fatal("expected non-empty genesis version id")
	}
	if len(c.Paths()) != 0 {
		t.Fatalf("expected empty genesis card, got %v", c.Paths())
	}
}

func TestStoreVersionUpdatesHead(t *testing.T) {
	s := newTestStore(t)
	_, headCard, _ := s.Head()
	next := headCard.Set("selection_temperature", card.Num(0.92))

	changes := []types.ParameterChange{{Path: "selection_temperature", OldValue: 0.85, NewValue: 0.92}}
	v, err := s.StoreVersion(context.Background(), next, changes, "scenario A")
	if err != nil {
		t.Fatalf("store version: %v", err)
	}

	head, c, err := s.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.VersionID != v.VersionID {
		t.Fatalf("head version mismatch: %s vs %s", head.VersionID, v.VersionID)
	}
	val, ok := c.Get("selection_temperature")
	if !ok || val.Number != 0.92 {
		t.Fatalf("expected committed value 0.92, got %+v", val)
	}
}

func TestRollbackRestoresPriorHead(t *testing.T) {
	s := newTestStore(t)
	genesis, _, _ := s.Head()
	_, headCard, _ := s.Head()
	next := headCard.Set("a", card.Num(1))

	if _, err := s.StoreVersion(context.Background(), next, nil, "commit a=1"); err != nil {
		t.Fatalf("store version: %v", err)
	}

	_, err := s.RollbackTo(context.Background(), genesis.VersionID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	_, c, err := s.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if len(c.Paths()) != 0 {
		t.Fatalf("expected card restored to genesis (empty), got %v", c.Paths())
	}
}

// A corrupted live-card write must trip the post-commit byte-compare,
// fail with ErrRollbackVerificationFailed, and leave head byte-equal to
// the pre-commit state.
func TestStoreVersionVerificationFailureRestoresPreCommitHead(t *testing.T) {
	s := newTestStore(t)
	_, headCard, _ := s.Head()
	v1 := headCard.Set("selection_temperature", card.Num(0.85))
	if _, err := s.StoreVersion(context.Background(), v1, nil, "baseline"); err != nil {
		t.Fatalf("store baseline: %v", err)
	}
	preCommit, err := os.ReadFile(s.baseDir + "/" + liveCardFile)
	if err != nil {
		t.Fatalf("reading pre-commit live card: %v", err)
	}

	// Corrupt the next live-card write only; backup, version, and
	// restore writes pass through untouched.
	realWrite := atomicWrite
	corrupted := false
	atomicWrite = func(dir, name string, data []byte) error {
		if name == liveCardFile && !corrupted {
			corrupted = true
			mangled := append([]byte(nil), data...)
			mangled[0] ^= 0xff
			return realWrite(dir, name, mangled)
		}
		return realWrite(dir, name, data)
	}
	defer func() { atomicWrite = realWrite }()

	v2 := v1.Set("selection_temperature", card.Num(0.92))
	_, err = s.StoreVersion(context.Background(), v2, nil, "corrupted commit")
	if !errors.Is(err, ErrRollbackVerificationFailed) {
		t.Fatalf("expected ErrRollbackVerificationFailed, got %v", err)
	}

	restored, err := os.ReadFile(s.baseDir + "/" + liveCardFile)
	if err != nil {
		t.Fatalf("reading restored live card: %v", err)
	}
	if !bytes.Equal(restored, preCommit) {
		t.Fatalf("head not byte-equal to pre-commit state:\npre:  %s\npost: %s", preCommit, restored)
	}

	head, c, err := s.Head()
	if err != nil {
		t.Fatalf("head after failed commit: %v", err)
	}
	if head.Rationale != "baseline" {
		t.Fatalf("expected head to remain the baseline version, got %q", head.Rationale)
	}
	if val, ok := c.Get("selection_temperature"); !ok || val.Number != 0.85 {
		t.Fatalf("expected pre-commit value 0.85, got %+v", val)
	}
}

func TestListReturnsVersionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	_, headCard, _ := s.Head()
	v1 := headCard.Set("a", card.Num(1))
	if _, err := s.StoreVersion(context.Background(), v1, nil, "v1"); err != nil {
		t.Fatalf("store v1: %v", err)
	}
	v2 := v1.Set("a", card.Num(2))
	if _, err := s.StoreVersion(context.Background(), v2, nil, "v2"); err != nil {
		t.Fatalf("store v2: %v", err)
	}

	versions, err := s.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 3 { // genesis + v1 + v2
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	if versions[0].Rationale != "v2" {
		t.Fatalf("expected newest first, got %q", versions[0].Rationale)
	}
}

func TestGCRemovesOldSnapshotBodiesButKeepsManifests(t *testing.T) {
	s := newTestStore(t)
	_, headCard, _ := s.Head()
	v1 := headCard.Set("a", card.Num(1))
	stored, err := s.StoreVersion(context.Background(), v1, nil, "v1")
	if err != nil {
		t.Fatalf("store v1: %v", err)
	}
	v2 := v1.Set("a", card.Num(2))
	if _, err := s.StoreVersion(context.Background(), v2, nil, "v2"); err != nil {
		t.Fatalf("store v2: %v", err)
	}

	removed, err := s.GC(-1) // everything older than "now + 1 day" qualifies
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected gc to remove at least one snapshot body")
	}

	if _, err := s.readManifest(stored.VersionID); err != nil {
		t.Fatalf("expected manifest to survive gc: %v", err)
	}
	bodyPath := s.baseDir
	_ = bodyPath
	if _, err := os.Stat(s.baseDir); err != nil {
		t.Fatalf("base dir missing: %v", err)
	}
}
