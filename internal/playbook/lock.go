package playbook

import (
	"context"
	"crypto/sha256"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/simpleflo/playbookd/pkg/models"
)

// Lock is the single advisory file lock, co-located with the playbook,
// that guards any read-modify-write sequence. onPromptSubmit
// takes it shared for the duration of the load; onSessionEnd and
// onPreCompact take it exclusive across their whole reflect-and-store
// sequence except while the LLM call itself is in flight.
type Lock struct {
	fl *flock.Flock
}

// NewLock returns a Lock backed by the file at path. The file is created
// if absent; it holds no meaningful content, only filesystem lock state.
func NewLock(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// AcquireExclusive blocks (honoring ctx) until the exclusive lock is held.
func (l *Lock) AcquireExclusive(ctx context.Context) error {
	locked, err := l.fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return models.Wrap(models.ErrLockTimeout, "acquire exclusive playbook lock", err)
	}
	if !locked {
		return models.NewError(models.ErrLockTimeout, "timed out acquiring exclusive playbook lock")
	}
	return nil
}

// AcquireShared blocks (honoring ctx) until the shared lock is held.
func (l *Lock) AcquireShared(ctx context.Context) error {
	locked, err := l.fl.TryRLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return models.Wrap(models.ErrLockTimeout, "acquire shared playbook lock", err)
	}
	if !locked {
		return models.NewError(models.ErrLockTimeout, "timed out acquiring shared playbook lock")
	}
	return nil
}

// Release releases whichever lock mode is currently held.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// contentFingerprint combines mtime, size, and a content digest to detect
// whether the playbook changed on disk while the lock was released for an
// LLM call. The digest catches same-length rewrites landing within the
// filesystem's mtime granularity, which mtime+size alone cannot.
type contentFingerprint struct {
	modTime time.Time
	size    int64
	digest  [sha256.Size]byte
}

// Fingerprint captures the current on-disk state of path for later
// comparison via Changed.
func Fingerprint(path string) (contentFingerprint, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return contentFingerprint{}, nil
	}
	if err != nil {
		return contentFingerprint{}, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return contentFingerprint{}, nil
	}
	if err != nil {
		return contentFingerprint{}, err
	}

	return contentFingerprint{
		modTime: info.ModTime(),
		size:    info.Size(),
		digest:  sha256.Sum256(data),
	}, nil
}

// Changed reports whether the file at path differs from the fingerprint
// taken earlier.
func Changed(path string, fp contentFingerprint) (bool, error) {
	current, err := Fingerprint(path)
	if err != nil {
		return false, err
	}
	return current != fp, nil
}
