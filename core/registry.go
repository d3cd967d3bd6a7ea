package core

import (
	"sync"

	fingerprint "github.com/gqlcache/gqlcache/pkg/fingerprint"
)

func pathHash(cachePath string) string {
	return fingerprint.HashPath(cachePath)
}

// Outcome is what pending callers of an in-flight request receive.
type Outcome struct {
	Result *Result
	Err    error
}

type pendingWaiter chan Outcome

// requestRegistry tracks in-flight queries by fingerprint. An entry in
// active means a fetch is under way; callers arriving for the same
// fingerprint join pending and receive the active request's outcome.
type requestRegistry struct {
	mutex   *sync.Mutex
	active  map[string]string
	pending map[string][]pendingWaiter
}

func newRequestRegistry() requestRegistry {
	return requestRegistry{
		mutex:   &sync.Mutex{},
		active:  make(map[string]string),
		pending: make(map[string][]pendingWaiter),
	}
}

// Begin either marks the fingerprint active (joined == false, the
// caller must fetch and later call End exactly once) or joins the
// pending list of an already active request (joined == true, the
// caller waits on the returned channel).
func (m *Manager) Begin(hash, query string) (<-chan Outcome, bool) {
	m.registry.mutex.Lock()
	defer m.registry.mutex.Unlock()
	if _, inFlight := m.registry.active[hash]; inFlight {
		// buffered so an abandoned waiter never blocks the drain
		waiter := make(pendingWaiter, 1)
		m.registry.pending[hash] = append(m.registry.pending[hash], waiter)
		return waiter, true
	}
	m.registry.active[hash] = query
	return nil, false
}

// End resolves every pending waiter with the same outcome as the
// active request and clears both registry entries. It must be called
// exactly once per Begin that returned joined == false, on success and
// on failure alike.
func (m *Manager) End(hash string, result *Result, err error) {
	m.registry.mutex.Lock()
	waiters := m.registry.pending[hash]
	delete(m.registry.pending, hash)
	delete(m.registry.active, hash)
	m.registry.mutex.Unlock()

	outcome := Outcome{Result: result, Err: err}
	for _, waiter := range waiters {
		waiter <- outcome
		close(waiter)
	}
}

// ActiveQuery returns the query string of an in-flight request.
func (m *Manager) ActiveQuery(hash string) (string, bool) {
	m.registry.mutex.Lock()
	defer m.registry.mutex.Unlock()
	query, ok := m.registry.active[hash]
	return query, ok
}

// InFlight returns the number of active requests.
func (m *Manager) InFlight() int {
	m.registry.mutex.Lock()
	defer m.registry.mutex.Unlock()
	return len(m.registry.active)
}
