package probe

import (
	"errors"
	"sync"
)

// ErrNoTargets is returned when a rotation is built from an empty list.
var ErrNoTargets = errors.New("no probe targets configured")

// Rotation walks an immutable, priority-ordered target list. A failure
// advances the cursor; a success anywhere resets it to the primary.
type Rotation struct {
	mu      sync.Mutex
	targets []string
	cursor  int
}

// NewRotation copies targets into a new rotation.
func NewRotation(targets []string) (*Rotation, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	return &Rotation{targets: append([]string(nil), targets...)}, nil
}

// Current returns the target under the cursor.
func (r *Rotation) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets[r.cursor]
}

// Cursor returns the 0-based cursor position.
func (r *Rotation) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// AdvanceOnFailure moves to the next target and reports whether the cursor
// wrapped back to the primary, meaning every target failed in this pass.
func (r *Rotation) AdvanceOnFailure() (exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = (r.cursor + 1) % len(r.targets)
	return r.cursor == 0
}

// ResetOnSuccess moves the cursor back to the primary target.
func (r *Rotation) ResetOnSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = 0
}

// Targets returns a copy of the target list.
func (r *Rotation) Targets() []string {
	return append([]string(nil), r.targets...)
}

// Len returns the number of targets.
func (r *Rotation) Len() int {
	return len(r.targets)
}
