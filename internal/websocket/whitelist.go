package websocket

import (
	"errors"
	"slices"
	"sync"
)

var (
	// ErrActionAlreadyExists is returned when adding a duplicate action.
	ErrActionAlreadyExists = errors.New("action already exists in whitelist")
	// ErrInvalidAction is returned for an empty action.
	ErrInvalidAction = errors.New("action cannot be empty")
)

// Whitelist holds the inbound actions browsers are allowed to send.
type Whitelist struct {
	mu      sync.RWMutex
	actions []string
}

// NewWhitelist creates a whitelist. Empty actions are ignored.
func NewWhitelist(actions ...string) *Whitelist {
	valid := make([]string, 0, len(actions))
	for _, a := range actions {
		if a != "" && !slices.Contains(valid, a) {
			valid = append(valid, a)
		}
	}
	return &Whitelist{actions: valid}
}

// DefaultWhitelist allows ping and broadcast.
func DefaultWhitelist() *Whitelist {
	return NewWhitelist(ActionPing, ActionBroadcast)
}

// IsAllowed reports whether action may be sent by a browser.
func (w *Whitelist) IsAllowed(action string) bool {
	if action == "" {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Contains(w.actions, action)
}

// Allow adds action to the whitelist.
func (w *Whitelist) Allow(action string) error {
	if action == "" {
		return ErrInvalidAction
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.Contains(w.actions, action) {
		return ErrActionAlreadyExists
	}
	w.actions = append(w.actions, action)
	return nil
}

// Actions returns a copy of the allowed actions.
func (w *Whitelist) Actions() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.actions)
}
