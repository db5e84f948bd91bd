package realtime

import "fmt"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
	StatusAway    = "away"
)

// ValidStatus reports whether status is one of the four presence values.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusOffline, StatusBusy, StatusAway:
		return true
	}
	return false
}

func pinnable(status string) bool {
	return status == StatusBusy || status == StatusAway
}

// StatusChange is emitted for every presence transition that mutated state.
type StatusChange struct {
	UserID   int64  `json:"userId"`
	Status   string `json:"status"`
	IsManual bool   `json:"isManual"`
}

type presenceState struct {
	status string
	pinned bool
}

// Presence derives user status from connection occupancy and manual overrides.
// A manual busy or away pins the status against automatic "online" transitions;
// losing the last connection always forces "offline".
type Presence struct {
	states map[int64]presenceState
}

func NewPresence() *Presence {
	return &Presence{states: make(map[int64]presenceState)}
}

// Known reports whether a state was already loaded or derived for the user.
func (p *Presence) Known(userID int64) bool {
	_, ok := p.states[userID]
	return ok
}

// Seed installs the persisted state of a user the first time it is seen. It is a
// no-op for users already tracked.
func (p *Presence) Seed(userID int64, status string, pinned bool) {
	if p.Known(userID) {
		return
	}
	if !ValidStatus(status) {
		status = StatusOffline
	}
	p.states[userID] = presenceState{status: status, pinned: pinned && pinnable(status)}
}

// Status returns the current status, offline for unknown users.
func (p *Presence) Status(userID int64) string {
	if state, ok := p.states[userID]; ok {
		return state.status
	}
	return StatusOffline
}

func (p *Presence) Pinned(userID int64) bool {
	return p.states[userID].pinned
}

// OnConnectionRegistered proposes "online" for a user that just became present.
func (p *Presence) OnConnectionRegistered(userID int64) (StatusChange, bool) {
	state := p.states[userID]
	if state.pinned && pinnable(state.status) {
		return StatusChange{}, false
	}
	return p.apply(userID, presenceState{status: StatusOnline}, false)
}

// OnConnectionUnregistered forces "offline" once the user holds no connection.
func (p *Presence) OnConnectionUnregistered(userID int64, hasRemaining bool) (StatusChange, bool) {
	if hasRemaining {
		return StatusChange{}, false
	}
	return p.apply(userID, presenceState{status: StatusOffline}, false)
}

// SetManualStatus applies an explicit status update unconditionally. Busy and
// away are pinned against automatic "online" transitions; online and offline
// clear the pin. The returned change reports IsManual as true.
func (p *Presence) SetManualStatus(userID int64, status string) (StatusChange, bool, error) {
	if !ValidStatus(status) {
		return StatusChange{}, false, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	change, changed := p.apply(userID, presenceState{status: status, pinned: pinnable(status)}, true)
	return change, changed, nil
}

// apply stores next and emits a change only when the visible status moved.
func (p *Presence) apply(userID int64, next presenceState, manual bool) (StatusChange, bool) {
	current, ok := p.states[userID]
	if !ok {
		current = presenceState{status: StatusOffline}
	}
	p.states[userID] = next
	if current.status == next.status {
		return StatusChange{}, false
	}
	return StatusChange{UserID: userID, Status: next.status, IsManual: manual}, true
}
