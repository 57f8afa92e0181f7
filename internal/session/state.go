// Package session holds the credentials and identity of the signed-in user.
package session

import "sync"

// Credential is the access/refresh token pair issued at login.
type Credential struct {
	AccessToken  string
	RefreshToken string
}

// Identity describes the signed-in user.
type Identity struct {
	UserID   string
	Username string
}

// Snapshot is a consistent copy of the session at one point in time.
type Snapshot struct {
	Credential Credential
	Identity   Identity
}

// Authenticated reports whether an access token is present.
func (s Snapshot) Authenticated() bool {
	return s.Credential.AccessToken != ""
}

// State is the single owner of the session credential. Writes happen only
// through Login, SetAccess and Logout; watchers are notified after each write.
type State struct {
	mu       sync.RWMutex
	snap     Snapshot
	watchers map[int]func(Snapshot)
	nextID   int
}

// New returns an empty, signed-out state.
func New() *State {
	return &State{watchers: make(map[int]func(Snapshot))}
}

// Login replaces the whole session.
func (s *State) Login(id Identity, cred Credential) {
	s.update(func(snap *Snapshot) {
		snap.Identity = id
		snap.Credential = cred
	})
}

// SetAccess swaps the access token, keeping refresh token and identity.
func (s *State) SetAccess(token string) {
	s.update(func(snap *Snapshot) {
		snap.Credential.AccessToken = token
	})
}

// Logout clears credentials and identity.
func (s *State) Logout() {
	s.update(func(snap *Snapshot) {
		*snap = Snapshot{}
	})
}

// AccessToken returns the current access token, empty when signed out.
func (s *State) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Credential.AccessToken
}

// RefreshToken returns the current refresh token, empty when signed out.
func (s *State) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Credential.RefreshToken
}

// Identity returns the signed-in user.
func (s *State) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Identity
}

// Snapshot returns a copy of the whole session.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Watch registers fn to be called after every change. Callbacks run outside
// the state lock, in the goroutine that performed the write.
func (s *State) Watch(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *State) update(mutate func(*Snapshot)) {
	s.mu.Lock()
	mutate(&s.snap)
	snap := s.snap
	watchers := make([]func(Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(snap)
	}
}
