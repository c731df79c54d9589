package gateway

import (
	"fmt"
	"sync"
	"time"
)

// roleMap is one role's sessions behind its own lock.
type roleMap struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRoleMap() *roleMap {
	return &roleMap{sessions: make(map[string]*Session)}
}

// Registry tracks live sessions by role.
//
// Pending devices and observers are keyed by connection id. Authenticated
// devices are keyed by device name, and at most one session may hold a
// name at a time.
//
// Thread Safety:
//   - Each role map has its own lock.
//   - Promote holds the pending and device locks together, in that order.
//   - Sessions are never written to while a registry lock is held.
type Registry struct {
	pending   *roleMap
	devices   *roleMap
	observers *roleMap
	now       func() time.Time
}

// Counts is a point-in-time size of each role map.
type Counts struct {
	Pending   int `json:"pending"`
	Devices   int `json:"devices"`
	Observers int `json:"observers"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pending:   newRoleMap(),
		devices:   newRoleMap(),
		observers: newRoleMap(),
		now:       time.Now,
	}
}

func (r *Registry) roleMap(role Role) (*roleMap, error) {
	switch role {
	case RolePendingDevice:
		return r.pending, nil
	case RoleDevice:
		return r.devices, nil
	case RoleObserver:
		return r.observers, nil
	default:
		return nil, fmt.Errorf("gateway: unknown role %q", role)
	}
}

// Admit stores sess under key in the role's map. For devices the key is the
// device name and any prior holder is returned so the caller can close it.
// Closing the evicted session is the caller's job.
func (r *Registry) Admit(role Role, key string, sess *Session) (evicted *Session, err error) {
	if key == "" {
		return nil, ErrInvalidIdentity
	}
	m, err := r.roleMap(role)
	if err != nil {
		return nil, err
	}

	sess.assign(role, key, r.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.sessions[key]; ok && prior != sess {
		evicted = prior
	}
	m.sessions[key] = sess
	return evicted, nil
}

// Promote atomically moves a pending session into the device map under name.
//
// It returns ErrNotPending if the session is no longer pending, which
// happens when the sweep evicted it while its credentials were being
// verified. A prior holder of name is returned as evicted.
func (r *Registry) Promote(sess *Session, name string) (evicted *Session, err error) {
	if name == "" {
		return nil, ErrInvalidIdentity
	}

	r.pending.mu.Lock()
	defer r.pending.mu.Unlock()
	r.devices.mu.Lock()
	defer r.devices.mu.Unlock()

	if r.pending.sessions[sess.ID] != sess {
		return nil, ErrNotPending
	}
	if !sess.transition(StateAwaitingCredentials, StateAuthenticated) {
		return nil, ErrNotPending
	}
	delete(r.pending.sessions, sess.ID)

	sess.assign(RoleDevice, name, r.now())

	if prior, ok := r.devices.sessions[name]; ok && prior != sess {
		evicted = prior
	}
	r.devices.sessions[name] = sess
	return evicted, nil
}

// Lookup returns the session stored under key.
func (r *Registry) Lookup(role Role, key string) (*Session, bool) {
	m, err := r.roleMap(role)
	if err != nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[key]
	return sess, ok
}

// Remove deletes whatever session is stored under key.
func (r *Registry) Remove(role Role, key string) bool {
	m, err := r.roleMap(role)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return false
	}
	delete(m.sessions, key)
	return true
}

// Release removes sess only if it is still the session stored under its
// key. A session replaced by a newer connection is left alone, so the old
// connection's close cannot remove its successor. Safe to call repeatedly.
func (r *Registry) Release(sess *Session) bool {
	for {
		role, key := sess.key()
		m, err := r.roleMap(role)
		if err != nil {
			return false
		}

		m.mu.Lock()
		if m.sessions[key] == sess {
			delete(m.sessions, key)
			m.mu.Unlock()
			return true
		}
		m.mu.Unlock()

		// A concurrent Promote may have moved the session between maps.
		if r2, k2 := sess.key(); r2 == role && k2 == key {
			return false
		}
	}
}

// Snapshot returns the sessions currently stored for role.
func (r *Registry) Snapshot(role Role) []*Session {
	m, err := r.roleMap(role)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ForEach calls fn for each session of role over a snapshot. Sessions for
// which fn returns an error are released after the pass and returned.
func (r *Registry) ForEach(role Role, fn func(*Session) error) (failed []*Session) {
	for _, s := range r.Snapshot(role) {
		if err := fn(s); err != nil {
			failed = append(failed, s)
		}
	}
	removed := failed[:0]
	for _, s := range failed {
		if r.Release(s) {
			removed = append(removed, s)
		}
	}
	return removed
}

// Count returns the number of sessions stored for role.
func (r *Registry) Count(role Role) int {
	m, err := r.roleMap(role)
	if err != nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Counts returns the size of every role map.
func (r *Registry) Counts() Counts {
	return Counts{
		Pending:   r.Count(RolePendingDevice),
		Devices:   r.Count(RoleDevice),
		Observers: r.Count(RoleObserver),
	}
}

// DeviceNames returns the names of all authenticated devices.
func (r *Registry) DeviceNames() []string {
	r.devices.mu.RLock()
	defer r.devices.mu.RUnlock()
	names := make([]string, 0, len(r.devices.sessions))
	for name := range r.devices.sessions {
		names = append(names, name)
	}
	return names
}
