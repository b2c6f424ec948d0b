package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// leaseFile is the on-disk leader claim. A single refresh daemon runs
// per machine; other gateway processes observe the lease and stand by.
type leaseFile struct {
	OwnerID   string `json:"ownerId"`
	PID       int    `json:"pid"`
	StartedAt int64  `json:"startedAt"` // epoch ms
}

// leaseStaleAfter bounds how long a lease from an unprobeable process
// is honored.
const leaseStaleAfter = 5 * time.Minute

// leader manages the file lease in dir.
type leader struct {
	path    string
	ownerID string
	logger  *zap.Logger
}

func newLeader(dir, ownerID string, logger *zap.Logger) *leader {
	return &leader{
		path:    filepath.Join(dir, "leader.json"),
		ownerID: ownerID,
		logger:  logger.With(zap.String("component", "leader")),
	}
}

// tryAcquire claims the lease when it is free, stale, or already ours.
func (l *leader) tryAcquire(now time.Time) (bool, error) {
	current, err := l.read()
	if err == nil && current != nil {
		if current.OwnerID == l.ownerID {
			return true, nil
		}
		if !l.stale(current, now) {
			return false, nil
		}
		l.logger.Info("Taking over stale lease",
			zap.String("previousOwner", current.OwnerID), zap.Int("pid", current.PID))
	}
	return true, l.write(now)
}

// stale reports whether the lease holder is gone: dead pid, or an
// unprobeable process past the age bound.
func (l *leader) stale(lease *leaseFile, now time.Time) bool {
	if lease.PID > 0 {
		if err := syscall.Kill(lease.PID, 0); err == syscall.ESRCH {
			return true
		} else if err == nil {
			return false
		}
	}
	return now.UnixMilli()-lease.StartedAt > leaseStaleAfter.Milliseconds()
}

func (l *leader) read() (*leaseFile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var lease leaseFile
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

func (l *leader) write(now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(leaseFile{
		OwnerID:   l.ownerID,
		PID:       os.Getpid(),
		StartedAt: now.UnixMilli(),
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".leader-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, l.path)
}

// release drops the lease if we still hold it.
func (l *leader) release() {
	current, err := l.read()
	if err != nil || current == nil || current.OwnerID != l.ownerID {
		return
	}
	if err := os.Remove(l.path); err != nil {
		l.logger.Warn("Failed to release lease", zap.Error(err))
	}
}
