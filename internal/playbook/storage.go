package playbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/simpleflo/playbookd/pkg/models"
)

// dividerSentinel is the on-disk marker that separates the stable region
// from the pending region in the key_points array.
type dividerSentinel struct {
	Divider bool `json:"divider"`
}

// Storage is the atomic, backup-retaining playbook file store.
type Storage struct {
	path           string
	backupsDir     string
	backupKeep     int
	maxKPTs        int
	pruneThreshold int
}

// NewStorage returns a Storage rooted at path, retaining backupKeep
// timestamped backups in backupsDir and rejecting writes that exceed
// maxKPTs key points or still carry entries at or below pruneThreshold.
func NewStorage(path, backupsDir string, backupKeep, maxKPTs, pruneThreshold int) *Storage {
	if backupKeep <= 0 {
		backupKeep = 3
	}
	return &Storage{path: path, backupsDir: backupsDir, backupKeep: backupKeep, maxKPTs: maxKPTs, pruneThreshold: pruneThreshold}
}

// Load reads the playbook file. A missing file yields an empty playbook.
// A file that fails to parse falls back to the most recent sibling
// backup; if that also fails, Load returns ErrCorruptPlaybook.
func (s *Storage) Load() (*models.Playbook, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return models.NewEmptyPlaybook(), nil
	}
	if err != nil {
		return nil, models.Wrap(models.ErrCorruptPlaybook, "read playbook file", err)
	}

	pb, parseErr := decode(data)
	if parseErr == nil {
		return pb, nil
	}

	backupPath, findErr := s.latestBackup()
	if findErr != nil {
		return nil, models.NewError(models.ErrCorruptPlaybook, "playbook corrupt and no backup available").
			WithCause(parseErr).
			WithDetails("path", s.path)
	}

	backupData, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, models.Wrap(models.ErrCorruptPlaybook, "playbook corrupt and backup unreadable", err).
			WithDetails("backup_path", backupPath)
	}

	pb, err = decode(backupData)
	if err != nil {
		return nil, models.Wrap(models.ErrCorruptPlaybook, "playbook and backup both corrupt", err)
	}
	return pb, nil
}

// Store validates invariants, then atomically writes the playbook:
// write to a temp sibling, fsync, rename over the live file, and retain
// the previous version as a timestamped backup.
func (s *Storage) Store(pb *models.Playbook) error {
	if err := Validate(pb, s.maxKPTs, s.pruneThreshold); err != nil {
		return err
	}

	pb.LastUpdated = time.Now().UTC()

	data, err := encode(pb)
	if err != nil {
		return models.Wrap(models.ErrInvariantViolation, "encode playbook", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return models.Wrap(models.ErrBackupUnavailable, "create playbook directory", err)
	}

	if err := s.backupExisting(); err != nil {
		return models.Wrap(models.ErrBackupUnavailable, "back up existing playbook", err)
	}

	tmp, err := os.CreateTemp(dir, ".playbook-*.tmp")
	if err != nil {
		return models.Wrap(models.ErrInvariantViolation, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return models.Wrap(models.ErrInvariantViolation, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return models.Wrap(models.ErrInvariantViolation, "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return models.Wrap(models.ErrInvariantViolation, "close temp file", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return models.Wrap(models.ErrInvariantViolation, "rename temp file over playbook", err)
	}

	s.pruneBackups()
	return nil
}

// Snapshot returns a deep copy of pb for Reflector to bracket a
// reflection pass in a rollback scope. It performs no I/O.
func Snapshot(pb *models.Playbook) *models.Playbook {
	return pb.Clone()
}

// Restore is the inverse of Snapshot: it returns the snapshot itself,
// discarding whatever in-progress mutation the caller was building.
func Restore(snapshot *models.Playbook) *models.Playbook {
	return snapshot
}

func (s *Storage) backupExisting() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	if err := os.MkdirAll(s.backupsDir, 0700); err != nil {
		return err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	backupPath := filepath.Join(s.backupsDir, fmt.Sprintf("playbook-%s.json",
		time.Now().UTC().Format("20060102T150405.000000000")))
	return os.WriteFile(backupPath, data, 0600)
}

func (s *Storage) pruneBackups() {
	entries, err := os.ReadDir(s.backupsDir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "playbook-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // timestamps sort lexicographically

	for len(names) > s.backupKeep {
		os.Remove(filepath.Join(s.backupsDir, names[0]))
		names = names[1:]
	}
}

func (s *Storage) latestBackup() (string, error) {
	entries, err := os.ReadDir(s.backupsDir)
	if err != nil {
		return "", err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "playbook-") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no backups found in %s", s.backupsDir)
	}
	sort.Strings(names)
	return filepath.Join(s.backupsDir, names[len(names)-1]), nil
}

// encode marshals a Playbook, threading the in-memory Pending boolean
// through the on-disk divider sentinel.
func encode(pb *models.Playbook) ([]byte, error) {
	raw := struct {
		Version     string            `json:"version"`
		LastUpdated time.Time         `json:"last_updated"`
		KeyPoints   []json.RawMessage `json:"key_points"`
	}{
		Version:     pb.Version,
		LastUpdated: pb.LastUpdated,
	}

	stable := pb.Stable()
	pending := pb.PendingOnes()

	for _, k := range stable {
		b, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		raw.KeyPoints = append(raw.KeyPoints, b)
	}
	if len(pending) > 0 {
		divider, err := json.Marshal(dividerSentinel{Divider: true})
		if err != nil {
			return nil, err
		}
		raw.KeyPoints = append(raw.KeyPoints, divider)
		for _, k := range pending {
			b, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			raw.KeyPoints = append(raw.KeyPoints, b)
		}
	}

	return json.MarshalIndent(raw, "", "  ")
}

// decode parses on-disk JSON, splitting the key_points array on the
// divider sentinel back into stable/pending booleans.
func decode(data []byte) (*models.Playbook, error) {
	var raw struct {
		Version     string            `json:"version"`
		LastUpdated time.Time         `json:"last_updated"`
		KeyPoints   []json.RawMessage `json:"key_points"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	pb := &models.Playbook{
		Version:     raw.Version,
		LastUpdated: raw.LastUpdated,
	}
	if pb.Version == "" {
		pb.Version = models.SchemaVersion
	}

	pastDivider := false
	for _, item := range raw.KeyPoints {
		var div dividerSentinel
		if err := json.Unmarshal(item, &div); err == nil && div.Divider {
			pastDivider = true
			continue
		}

		var k models.KPT
		if err := json.Unmarshal(item, &k); err != nil {
			return nil, fmt.Errorf("decode key point: %w", err)
		}
		k.Pending = pastDivider || k.Pending
		pb.KeyPoints = append(pb.KeyPoints, k)
	}

	if pb.KeyPoints == nil {
		pb.KeyPoints = []models.KPT{}
	}

	return pb, nil
}
