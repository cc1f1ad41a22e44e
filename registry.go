package callbridge

import (
	"hash/fnv"
	"sync"

	"github.com/bt-bridge/callbridge/shared"
)

const registryShards = 16

// Registry is the process-wide map of live call sessions, sharded so no
// lock spans more than one map operation and sessions on different shards
// never contend.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*CallSession)
	}
	return r
}

func (r *Registry) shard(callID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return &r.shards[h.Sum32()%registryShards]
}

// Add registers a session exactly once per call. A second registration for
// an in-flight call ID is a protocol violation and is rejected, never
// silently merged.
func (r *Registry) Add(s *CallSession) error {
	sh := r.shard(s.CallID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.sessions[s.CallID()]; exists {
		return shared.ErrDuplicateCallID
	}
	sh.sessions[s.CallID()] = s
	return nil
}

func (r *Registry) Get(callID string) (*CallSession, bool) {
	sh := r.shard(callID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[callID]
	return s, ok
}

// Remove deregisters a finished session. Idempotent.
func (r *Registry) Remove(callID string) {
	sh := r.shard(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, callID)
}

// removeSession deletes the entry only while it still maps to s. A rejected
// duplicate tearing itself down must never evict the live session that owns
// the call ID.
func (r *Registry) removeSession(s *CallSession) {
	sh := r.shard(s.CallID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.sessions[s.CallID()]; ok && cur == s {
		delete(sh.sessions, s.CallID())
	}
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		n += len(r.shards[i].sessions)
		r.shards[i].mu.RUnlock()
	}
	return n
}

// Snapshot returns the live sessions at one point in time. Each shard is
// locked independently, so the result is not a global atomic view.
func (r *Registry) Snapshot() []*CallSession {
	out := make([]*CallSession, 0, r.Len())
	for i := range r.shards {
		r.shards[i].mu.RLock()
		for _, s := range r.shards[i].sessions {
			out = append(out, s)
		}
		r.shards[i].mu.RUnlock()
	}
	return out
}
