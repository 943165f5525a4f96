package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tutortoise/face-recognition-service/models"
	"github.com/Tutortoise/face-recognition-service/persist"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotKey is the stable store key of the stats record.
const SnapshotKey = "stats/snapshot"

const snapshotVersion = 1

var ErrAlreadyRestored = errors.New("service: stats already restored")

type snapshot struct {
	Version int                 `msgpack:"version"`
	Stats   models.ServiceStats `msgpack:"stats"`
}

// Snapshot encodes the stats record. Model buffers and handles are not part
// of it.
func (s *Service) Snapshot() ([]byte, error) {
	data, err := msgpack.Marshal(&snapshot{Version: snapshotVersion, Stats: s.stats})
	if err != nil {
		return nil, fmt.Errorf("encode stats snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the stats record with one produced by Snapshot. Empty
// data leaves the defaults in place. Live model statuses are not touched:
// models must be uploaded and set up again after a restart.
func (s *Service) Restore(data []byte) error {
	if s.restored {
		return ErrAlreadyRestored
	}
	s.restored = true
	if len(data) == 0 {
		return nil
	}

	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode stats snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("decode stats snapshot: unsupported version %d", snap.Version)
	}
	s.stats = snap.Stats
	return nil
}

// Lifecycle saves the stats record to a stable store on suspend and reads
// it back on resume.
type Lifecycle struct {
	svc   *Service
	store persist.Stable
	log   *log.Entry
}

func NewLifecycle(svc *Service, store persist.Stable) *Lifecycle {
	return &Lifecycle{
		svc:   svc,
		store: store,
		log:   log.WithField("component", "lifecycle"),
	}
}

// Resume restores the last saved stats record. A missing record is a first
// start; an unreadable one is logged and skipped.
func (l *Lifecycle) Resume(ctx context.Context) error {
	data, err := l.store.Load(ctx, SnapshotKey)
	if errors.Is(err, persist.ErrNotFound) {
		l.log.Info("no saved stats, starting fresh")
		return l.svc.Restore(nil)
	}
	if err != nil {
		return fmt.Errorf("load stats snapshot: %w", err)
	}
	if err := l.svc.Restore(data); err != nil {
		if errors.Is(err, ErrAlreadyRestored) {
			return err
		}
		l.log.Warnf("ignoring saved stats: %v", err)
		return nil
	}
	st := l.svc.Stats()
	l.log.WithFields(log.Fields{
		"total_detections":   st.TotalDetections,
		"total_recognitions": st.TotalRecognitions,
	}).Info("stats restored")
	return nil
}

// Suspend saves the current stats record.
func (l *Lifecycle) Suspend(ctx context.Context) error {
	data, err := l.svc.Snapshot()
	if err != nil {
		return err
	}
	if err := l.store.Save(ctx, SnapshotKey, data); err != nil {
		return fmt.Errorf("save stats snapshot: %w", err)
	}
	l.log.WithField("bytes", len(data)).Info("stats saved")
	return nil
}
