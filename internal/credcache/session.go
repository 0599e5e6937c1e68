package credcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultSessionTTL bounds how stale a cached session identity may get.
const DefaultSessionTTL = 5 * time.Minute

// sessionLookupTimeout bounds a shared lookup once it no longer follows any
// single caller's context.
const sessionLookupTimeout = 30 * time.Second

// SessionCache collapses session lookups from concurrent callers and keeps
// the answer for ttl. Reset discards the answer and any lookup still in
// flight.
type SessionCache struct {
	lookup SessionLookup
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu         sync.RWMutex
	generation uint64
	token      string
	cred       *Credential
	fetchedAt  time.Time
}

func newSessionCache(lookup SessionLookup, ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionCache{lookup: lookup, ttl: ttl, now: time.Now}
}

func (s *SessionCache) Get(ctx context.Context, token string) (*Credential, error) {
	s.mu.RLock()
	if s.cred != nil && s.token == token && s.now().Sub(s.fetchedAt) < s.ttl {
		cred := s.cred
		s.mu.RUnlock()
		return cred, nil
	}
	gen := s.generation
	s.mu.RUnlock()

	key := strconv.FormatUint(gen, 10) + ":" + token
	ch := s.group.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionLookupTimeout)
		defer cancel()
		cred, err := s.lookup.Session(lookupCtx, token)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.generation == gen {
			s.token, s.cred, s.fetchedAt = token, cred, s.now()
		}
		s.mu.Unlock()
		return cred, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	}
}

func (s *SessionCache) Reset() {
	s.mu.Lock()
	s.generation++
	s.token, s.cred, s.fetchedAt = "", nil, time.Time{}
	s.mu.Unlock()
}
