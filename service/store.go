package service

import (
	"fmt"

	"github.com/Tutortoise/face-recognition-service/detections"
	"github.com/Tutortoise/face-recognition-service/models"
	log "github.com/sirupsen/logrus"
)

// modelSlot holds everything one model kind needs at run time. None of it
// survives a restart.
type modelSlot struct {
	buf    []byte
	status models.ModelStatus
	handle detections.Handle
}

func (s *modelSlot) ready() bool {
	return s.status.IsReady() && s.handle != nil
}

func (s *modelSlot) dropHandle() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		log.WithField("component", "store").Warnf("close model handle: %v", err)
	}
	s.handle = nil
}

type modelStore struct {
	slots map[models.ModelKind]*modelSlot
}

func newModelStore() *modelStore {
	st := &modelStore{slots: make(map[models.ModelKind]*modelSlot, len(models.Kinds))}
	for _, kind := range models.Kinds {
		st.slots[kind] = &modelSlot{status: models.StatusNotLoaded()}
	}
	return st
}

// slot returns the slot for a known kind. Callers outside the store go
// through lookup.
func (st *modelStore) slot(kind models.ModelKind) *modelSlot {
	return st.slots[kind]
}

func (st *modelStore) lookup(kind models.ModelKind) (*modelSlot, error) {
	s, ok := st.slots[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownModelKind, kind)
	}
	return s, nil
}

// append concatenates chunk onto the buffer for kind and reports whether
// anything changed. A handle built from the previous buffer is dropped.
func (st *modelStore) append(kind models.ModelKind, chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	s := st.slot(kind)
	s.buf = append(s.buf, chunk...)
	s.dropHandle()
	s.status = models.StatusLoading()
	return true
}

func (st *modelStore) clear(kind models.ModelKind) {
	s := st.slot(kind)
	s.buf = nil
	s.dropHandle()
	s.status = models.StatusNotLoaded()
}

func (st *modelStore) close() {
	for _, s := range st.slots {
		s.dropHandle()
	}
}
