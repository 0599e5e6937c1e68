// Package credcache keeps the caller's access credential in memory so that
// every outbound call can attach it without a round trip to the identity
// provider.
package credcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Credential is the locally persisted record issued by the identity provider.
type Credential struct {
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Subject     string     `json:"subject,omitempty"`
	Email       string     `json:"email,omitempty"`
	Role        string     `json:"role,omitempty"`
}

// Store reads and clears the persisted credential. Implementations must not
// touch the network.
type Store interface {
	Load(ctx context.Context) (*Credential, error)
	Clear(ctx context.Context) error
}

// SessionLookup asks the identity provider who the current session belongs to.
type SessionLookup interface {
	Session(ctx context.Context, accessToken string) (*Credential, error)
}

// entry is replaced as a whole, never mutated.
type entry struct {
	cred   *Credential
	expiry *time.Time
}

type Cache struct {
	store   Store
	anonKey string
	now     func() time.Time
	log     zerolog.Logger

	cur    atomic.Pointer[entry]
	loadMu sync.Mutex

	session *SessionCache
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithSessionLookup enables the short-TTL identity cache.
func WithSessionLookup(lookup SessionLookup, ttl time.Duration) Option {
	return func(c *Cache) { c.session = newSessionCache(lookup, ttl) }
}

// New creates a cache over store. anonKey is attached when no valid credential exists.
func New(store Store, anonKey string, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		anonKey: anonKey,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetAccessToken returns the current token, or false when the caller is not
// authenticated. An expired credential is reported as absent, not as an error.
func (c *Cache) GetAccessToken(ctx context.Context) (string, bool) {
	e := c.cur.Load()
	if e == nil {
		e = c.load(ctx)
	}
	if e.cred == nil || e.cred.AccessToken == "" {
		return "", false
	}
	if e.expiry != nil && !c.now().Before(*e.expiry) {
		c.log.Debug().Time("expired_at", *e.expiry).Msg("cached credential expired")
		c.cur.CompareAndSwap(e, &entry{})
		return "", false
	}
	return e.cred.AccessToken, true
}

// Authorization returns the bearer value to attach to a request, falling
// back to the anonymous key. anonymous reports which one was used.
func (c *Cache) Authorization(ctx context.Context) (header string, anonymous bool) {
	if tok, ok := c.GetAccessToken(ctx); ok {
		return "Bearer " + tok, false
	}
	return "Bearer " + c.anonKey, true
}

// Identity returns the session identity for the current credential, served
// from the session cache when one is configured.
func (c *Cache) Identity(ctx context.Context) (*Credential, error) {
	tok, ok := c.GetAccessToken(ctx)
	if !ok {
		return nil, nil
	}
	if c.session == nil {
		e := c.cur.Load()
		if e == nil {
			return nil, nil
		}
		return e.cred, nil
	}
	return c.session.Get(ctx, tok)
}

// Set installs a freshly issued credential.
func (c *Cache) Set(cred *Credential) {
	c.cur.Store(newEntry(cred))
	if c.session != nil {
		c.session.Reset()
	}
}

// Invalidate drops the in-memory credential. The store is not re-read until
// Reload or Set is called, so a token the server rejected is not picked up again.
func (c *Cache) Invalidate() {
	c.cur.Store(&entry{})
	if c.session != nil {
		c.session.Reset()
	}
}

// SignOut clears both the persisted record and the in-memory copy.
func (c *Cache) SignOut(ctx context.Context) error {
	c.Invalidate()
	if c.store == nil {
		return nil
	}
	return c.store.Clear(ctx)
}

// Reload forces the next read to come from the store.
func (c *Cache) Reload() {
	c.cur.Store(nil)
}

func (c *Cache) load(ctx context.Context) *entry {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if e := c.cur.Load(); e != nil {
		return e
	}

	e := &entry{}
	if c.store != nil {
		cred, err := c.store.Load(ctx)
		switch {
		case err != nil:
			c.log.Warn().Err(err).Msg("load persisted credential")
		case cred != nil:
			e = newEntry(cred)
		}
	}
	c.cur.Store(e)
	return e
}

func newEntry(cred *Credential) *entry {
	if cred == nil {
		return &entry{}
	}
	cp := *cred
	e := &entry{cred: &cp, expiry: cred.ExpiresAt}
	if e.expiry == nil {
		e.expiry = tokenExpiry(cred.AccessToken)
	}
	return e
}

// tokenExpiry reads the exp claim without verifying the signature; the
// server is the one that verifies.
func tokenExpiry(token string) *time.Time {
	if token == "" {
		return nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	t := claims.ExpiresAt.Time
	return &t
}

// ErrNoSession is returned by SessionLookup implementations for an unknown token.
var ErrNoSession = errors.New("no active session")
