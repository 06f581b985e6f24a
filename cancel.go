package wire

import "sync"

// CancelFn is invoked when a client requests cancellation of an in-progress
// command on another connection, identified by the (processID, secretKey)
// pair handed to that connection in its BackendKeyData message.
type CancelFn func()

// cancelKey uniquely identifies a cancellable connection for the lifetime of
// the server process.
type cancelKey struct {
	processID int32
	secretKey int32
}

// cancelRegistry is the process-wide table of cancellable connections. A
// single Postgres client may open a second connection purely to send a
// CancelRequest against a connection it no longer holds a reference to, so
// the registry -- not the connection that issued Handshake -- is what
// resolves (processID, secretKey) to an actual cancel action.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[cancelKey]CancelFn
}

var globalCancelRegistry = &cancelRegistry{
	entries: make(map[cancelKey]CancelFn),
}

// register associates fn with the given key, returning a function that
// removes the association again. Callers must call the returned function
// once the connection closes to avoid leaking the entry.
func (r *cancelRegistry) register(key cancelKey, fn CancelFn) (unregister func()) {
	r.mu.Lock()
	r.entries[key] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.entries, key)
		r.mu.Unlock()
	}
}

// dispatch looks up and invokes the cancel function registered for key. It
// reports whether a matching connection was found; a cancel request for an
// unknown or already-closed connection is not an error; per protocol, the
// server must send no response at all.
func (r *cancelRegistry) dispatch(key cancelKey) bool {
	r.mu.Lock()
	fn, ok := r.entries[key]
	r.mu.Unlock()

	if !ok {
		return false
	}

	fn()
	return true
}
