package viewer

import (
	"context"
	"strings"
	"sync"

	"github.com/coachpo/volsurface/internal/app/surface"
)

// Saver persists the current surface with an optional note.
type Saver interface {
	SaveCurrent(ctx context.Context, src surface.SurfaceSource, note *string) (surface.SaveResult, error)
}

// State is the interactive view state: the lock toggle and the note attached to the next save.
type State struct {
	mu     sync.RWMutex
	locked bool
	note   string
}

// NewState returns an unlocked state with an empty note.
func NewState() *State {
	return &State{}
}

// ToggleLock flips the lock and returns the new value. A locked view keeps rendering the data it
// held when the lock engaged.
func (s *State) ToggleLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = !s.locked
	return s.locked
}

// SetLocked sets the lock explicitly.
func (s *State) SetLocked(locked bool) {
	s.mu.Lock()
	s.locked = locked
	s.mu.Unlock()
}

// Locked reports whether the view is frozen.
func (s *State) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}

// SetNote replaces the note.
func (s *State) SetNote(note string) {
	s.mu.Lock()
	s.note = strings.TrimSpace(note)
	s.mu.Unlock()
}

// Note returns the current note.
func (s *State) Note() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.note
}

// Save persists the live surface from src with the current note. The lock does not apply: saves
// always capture live data.
func (s *State) Save(ctx context.Context, saver Saver, src surface.SurfaceSource) (surface.SaveResult, error) {
	var note *string
	if current := s.Note(); current != "" {
		note = &current
	}
	return saver.SaveCurrent(ctx, src, note)
}
