package auth

import (
	"sync"

	"github.com/nfrund/boardboard/internal/realtime"
)

// IdentityState holds the signed-in user of one session and notifies
// watchers on every change. It implements realtime.IdentitySource.
//
// Watchers run synchronously, in registration order, on the goroutine that
// called Set or Clear. Changes are serialized so a watcher never sees two
// transitions interleave. A watcher must not call Watch, Set or Clear.
type IdentityState struct {
	// notify serializes transitions; mu guards the fields below.
	notify sync.Mutex

	mu       sync.Mutex
	ident    realtime.Identity
	ok       bool
	nextID   int
	watchers []watcher
}

type watcher struct {
	id int
	fn func(realtime.Identity, bool)
}

// NewIdentityState returns an anonymous IdentityState.
func NewIdentityState() *IdentityState {
	return &IdentityState{}
}

// IdentityFromUser maps an auth user to the realtime identity.
func IdentityFromUser(u User) realtime.Identity {
	return realtime.Identity{ID: u.ID, Email: u.Email, Username: u.Username()}
}

// Set records ident as signed in.
func (s *IdentityState) Set(ident realtime.Identity) {
	if ident.ID == "" {
		s.Clear()
		return
	}
	s.update(ident, true)
}

// Clear records that nobody is signed in.
func (s *IdentityState) Clear() {
	s.update(realtime.Identity{}, false)
}

// Current returns the signed-in identity, if any.
func (s *IdentityState) Current() (realtime.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident, s.ok
}

// Watch calls fn with the current identity and then after every change
// until the returned func is called.
func (s *IdentityState) Watch(fn func(realtime.Identity, bool)) func() {
	s.notify.Lock()
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers = append(s.watchers, watcher{id: id, fn: fn})
	ident, ok := s.ident, s.ok
	s.mu.Unlock()
	fn(ident, ok)
	s.notify.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, w := range s.watchers {
				if w.id == id {
					s.watchers = append(s.watchers[:i:i], s.watchers[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *IdentityState) update(ident realtime.Identity, ok bool) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	if s.ok == ok && s.ident == ident {
		s.mu.Unlock()
		return
	}
	s.ident, s.ok = ident, ok
	watchers := make([]watcher, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	for _, w := range watchers {
		w.fn(ident, ok)
	}
}
