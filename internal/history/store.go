// Package history implements the History Store: the sole authority for
// reading and writing the live Card. Every mutation takes a backup first,
// writes through temp-file + fsync + rename into an append-only version
// directory, and verifies the published bytes before declaring success.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/autopilotd/autopilot/internal/card"
	"github.com/autopilotd/autopilot/internal/types"
)

// ErrRollbackVerificationFailed is raised when the post-commit byte-compare
// step of the atomic commit algorithm detects a mismatch.
var ErrRollbackVerificationFailed = errors.New("history: rollback verification failed")

// ErrVersionNotFound is returned by operations referencing an unknown
// version_id.
var ErrVersionNotFound = errors.New("history: version not found")

const (
	liveCardFile  = "card.live"
	versionsDir   = "versions"
	cardFileName  = "card.json"
	manifestFile  = "manifest.json"
	signatureFile = "signature.bin"
	dirPerm       = 0o755
	filePerm      = 0o644
)

// Manifest is the JSON metadata recorded alongside each version's Card
// snapshot.
type Manifest struct {
	VersionID         string                  `json:"version_id"`
	Timestamp         time.Time               `json:"timestamp"`
	ParentVersionID   string                  `json:"parent_version_id"`
	Changes           []types.ParameterChange `json:"changes"`
	Rationale         string                  `json:"rationale"`
	DeploymentOutcome string                  `json:"deployment_outcome"`
}

// ParameterVersion is a fully-loaded version: its manifest plus the
// detached signature over the manifest bytes.
type ParameterVersion struct {
	Manifest
	SignedManifest []byte `json:"signed_manifest"`
}

// Store is the atomic, versioned, signed Card store. A single process-wide
// writer lock serializes all mutations; readers may read the
// current-card pointer lock-free since the rename that publishes it is
// atomic.
type Store struct {
	baseDir string
	signer  Signer
	logger  *slog.Logger

	mu     sync.Mutex // serializes all mutations
	headMu sync.RWMutex
	head   ParameterVersion
}

// Open bootstraps or reopens a History Store rooted at baseDir. On first
// use it creates a genesis version wrapping an empty Card.
func Open(baseDir string, signer Signer, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(baseDir, versionsDir), dirPerm); err != nil {
		return nil, fmt.Errorf("history: creating base directory: %w", err)
	}

	s := &Store{baseDir: baseDir, signer: signer, logger: logger}

	livePath := filepath.Join(baseDir, liveCardFile)
	if _, err := os.Stat(livePath); errors.Is(err, os.ErrNotExist) {
		if err := s.bootstrapGenesis(); err != nil {
			return nil, err
		}
	}

	head, err := s.readHeadPointer()
	if err != nil {
		return nil, fmt.Errorf("history: reading head pointer: %w", err)
	}
	s.head = head
	return s, nil
}

func (s *Store) bootstrapGenesis() error {
	empty := card.New()
	versionID, err := versionID(empty, "")
	if err != nil {
		return err
	}
	manifest := Manifest{
		VersionID:         versionID,
		Timestamp:         time.Now().UTC(),
		ParentVersionID:   "",
		Rationale:         "bootstrap genesis version",
		DeploymentOutcome: "bootstrap",
	}
	return s.commitVersion(empty, manifest, true)
}

// versionID chains each version to its parent: hash(content) + ":" +
// parent_version_id, so the sequence is tamper-evident.
func versionID(c *card.Card, parentVersionID string) (string, error) {
	contentHash, err := c.ContentHash()
	if err != nil {
		return "", err
	}
	return contentHash + ":" + parentVersionID, nil
}

// Head returns the current version metadata and its live Card snapshot.
func (s *Store) Head() (ParameterVersion, *card.Card, error) {
	s.headMu.RLock()
	head := s.head
	s.headMu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, liveCardFile))
	if err != nil {
		return ParameterVersion{}, nil, fmt.Errorf("history: reading live card: %w", err)
	}
	c, err := card.Unmarshal(data)
	if err != nil {
		return ParameterVersion{}, nil, err
	}
	return head, c, nil
}

// StoreVersion runs the atomic commit algorithm for a
// candidate Card that has already been schema/bounds-validated by the
// caller. Changes and rationale are recorded in the new version's
// manifest.
func (s *Store) StoreVersion(ctx context.Context, newCard *card.Card, changes []types.ParameterChange, rationale string) (ParameterVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentID := s.head.VersionID
	vid, err := versionID(newCard, parentID)
	if err != nil {
		return ParameterVersion{}, err
	}
	manifest := Manifest{
		VersionID:         vid,
		Timestamp:         time.Now().UTC(),
		ParentVersionID:   parentID,
		Changes:           changes,
		Rationale:         rationale,
		DeploymentOutcome: "committed",
	}
	if err := s.backupCurrent(); err != nil {
		return ParameterVersion{}, fmt.Errorf("history: pre-commit backup: %w", err)
	}
	if err := s.commitVersion(newCard, manifest, false); err != nil {
		return ParameterVersion{}, err
	}
	return s.headSnapshot(), nil
}

// RollbackTo restores a prior version using the identical atomic commit
// protocol, after first recording a pre-rollback backup so the rollback
// itself is reversible.
func (s *Store) RollbackTo(ctx context.Context, targetVersionID string) (ParameterVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targetManifest, err := s.readManifest(targetVersionID)
	if err != nil {
		return ParameterVersion{}, err
	}
	targetCard, err := s.readCard(targetVersionID)
	if err != nil {
		return ParameterVersion{}, err
	}

	preRollbackBackupID := s.head.VersionID
	if err := s.backupCurrent(); err != nil {
		return ParameterVersion{}, fmt.Errorf("history: pre-rollback backup: %w", err)
	}

	parentID := s.head.VersionID
	vid, err := versionID(targetCard, parentID)
	if err != nil {
		return ParameterVersion{}, err
	}
	manifest := Manifest{
		VersionID:         vid,
		Timestamp:         time.Now().UTC(),
		ParentVersionID:   parentID,
		Rationale:         fmt.Sprintf("rollback to %s", targetManifest.VersionID),
		DeploymentOutcome: "rolled_back",
	}
	if err := s.commitVersion(targetCard, manifest, false); err != nil {
		if restoreErr := s.restoreBackup(preRollbackBackupID); restoreErr != nil {
			return ParameterVersion{}, fmt.Errorf("%w: rollback failed (%v) and backup restore failed: %v", ErrRollbackVerificationFailed, err, restoreErr)
		}
		return ParameterVersion{}, fmt.Errorf("%w: %v", ErrRollbackVerificationFailed, err)
	}
	return s.headSnapshot(), nil
}

// commitVersion runs steps 1-8 of the atomic commit algorithm.
// Schema/bounds validation (step 1) is the caller's responsibility; this
// function assumes newCard has already passed it.
func (s *Store) commitVersion(newCard *card.Card, manifest Manifest, isGenesis bool) error {
	cardBytes, err := newCard.Marshal()
	if err != nil {
		return err
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	signature, err := s.signer.Sign(manifestBytes)
	if err != nil {
		return fmt.Errorf("history: signing manifest: %w", err)
	}

	versionDir := filepath.Join(s.baseDir, versionsDir, sanitizeVersionID(manifest.VersionID))
	if err := os.MkdirAll(versionDir, dirPerm); err != nil {
		return fmt.Errorf("history: creating version directory: %w", err)
	}

	// Steps 3-4: write Card to a temp path in the same filesystem, fsync
	// file and directory, then rename into the version directory (step 5).
	if err := atomicWrite(versionDir, cardFileName, cardBytes); err != nil {
		return fmt.Errorf("history: writing card snapshot: %w", err)
	}
	// Step 6: write the manifest and signature the same way.
	if err := atomicWrite(versionDir, manifestFile, manifestBytes); err != nil {
		return fmt.Errorf("history: writing manifest: %w", err)
	}
	if err := atomicWrite(versionDir, signatureFile, signature); err != nil {
		return fmt.Errorf("history: writing signature: %w", err)
	}

	// Step 7: atomically replace the current-card pointer.
	if err := atomicWrite(s.baseDir, liveCardFile, cardBytes); err != nil {
		return fmt.Errorf("history: replacing live card pointer: %w", err)
	}

	// Step 8: re-read and byte-compare the live file against the intended
	// contents; on mismatch, restore the pre-commit backup and fail.
	reread, err := os.ReadFile(filepath.Join(s.baseDir, liveCardFile))
	if err != nil || string(reread) != string(cardBytes) {
		if !isGenesis {
			if restoreErr := s.restoreBackup(s.head.VersionID); restoreErr != nil {
				return fmt.Errorf("%w: verification failed and backup restore failed: %v", ErrRollbackVerificationFailed, restoreErr)
			}
		}
		return ErrRollbackVerificationFailed
	}

	s.headMu.Lock()
	s.head = ParameterVersion{Manifest: manifest, SignedManifest: signature}
	s.headMu.Unlock()
	return s.writeHeadPointer(manifest.VersionID)
}

// backupCurrent snapshots the present head's Card bytes as a recovery
// point before a commit or a rollback, so a verification failure can
// restore it exactly.
func (s *Store) backupCurrent() error {
	data, err := os.ReadFile(filepath.Join(s.baseDir, liveCardFile))
	if err != nil {
		return err
	}
	backupPath := filepath.Join(s.baseDir, fmt.Sprintf(".backup-%s", sanitizeVersionID(s.head.VersionID)))
	return atomicWrite(s.baseDir, filepath.Base(backupPath), data)
}

func (s *Store) restoreBackup(versionID string) error {
	backupPath := filepath.Join(s.baseDir, fmt.Sprintf(".backup-%s", sanitizeVersionID(versionID)))
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	return atomicWrite(s.baseDir, liveCardFile, data)
}

func (s *Store) headSnapshot() ParameterVersion {
	s.headMu.RLock()
	defer s.headMu.RUnlock()
	return s.head
}

func (s *Store) readHeadPointer() (ParameterVersion, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, versionsDir))
	if err != nil {
		return ParameterVersion{}, err
	}
	var latest ParameterVersion
	var latestTime time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.readManifestByDir(e.Name())
		if err != nil {
			continue
		}
		if m.Timestamp.After(latestTime) {
			latestTime = m.Timestamp
			sig, _ := os.ReadFile(filepath.Join(s.baseDir, versionsDir, e.Name(), signatureFile))
			latest = ParameterVersion{Manifest: m, SignedManifest: sig}
		}
	}
	return latest, nil
}

func (s *Store) writeHeadPointer(versionID string) error {
	return atomicWrite(s.baseDir, ".head", []byte(versionID))
}

func (s *Store) readManifest(versionID string) (Manifest, error) {
	return s.readManifestByDir(sanitizeVersionID(versionID))
}

func (s *Store) readManifestByDir(dirName string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, versionsDir, dirName, manifestFile))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %s", ErrVersionNotFound, dirName)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (s *Store) readCard(versionID string) (*card.Card, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, versionsDir, sanitizeVersionID(versionID), cardFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	return card.Unmarshal(data)
}

// GetVersion loads one version's manifest and signature by version_id.
func (s *Store) GetVersion(versionID string) (ParameterVersion, error) {
	m, err := s.readManifest(versionID)
	if err != nil {
		return ParameterVersion{}, err
	}
	sig, _ := os.ReadFile(filepath.Join(s.baseDir, versionsDir, sanitizeVersionID(versionID), signatureFile))
	return ParameterVersion{Manifest: m, SignedManifest: sig}, nil
}

// List returns up to limit versions, most recent first.
func (s *Store) List(limit int) ([]ParameterVersion, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, versionsDir))
	if err != nil {
		return nil, err
	}
	versions := make([]ParameterVersion, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.readManifestByDir(e.Name())
		if err != nil {
			continue
		}
		sig, _ := os.ReadFile(filepath.Join(s.baseDir, versionsDir, e.Name(), signatureFile))
		versions = append(versions, ParameterVersion{Manifest: m, SignedManifest: sig})
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Timestamp.After(versions[j].Timestamp)
	})
	if limit > 0 && limit < len(versions) {
		versions = versions[:limit]
	}
	return versions, nil
}

// GC removes full snapshot bodies (the card.json file) of versions older
// than retentionDays. Manifests and signatures are preserved forever.
func (s *Store) GC(retentionDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	entries, err := os.ReadDir(filepath.Join(s.baseDir, versionsDir))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == sanitizeVersionID(s.head.VersionID) {
			continue // never compact head
		}
		m, err := s.readManifestByDir(e.Name())
		if err != nil {
			continue
		}
		if m.Timestamp.Before(cutoff) {
			bodyPath := filepath.Join(s.baseDir, versionsDir, e.Name(), cardFileName)
			if err := os.Remove(bodyPath); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// atomicWrite implements the temp-write/fsync-file/fsync-dir/rename
// sequence, used for every file this store publishes. It is a variable
// so tests can inject a corrupted write and exercise the post-commit
// verification path.
var atomicWrite = func(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return err
	}

	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}

	dirHandle, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dirHandle.Close()
	return dirHandle.Sync()
}

func sanitizeVersionID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if r == '/' || r == '\\' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
