package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding-arb/internal/connector"
	"funding-arb/internal/credentials"
	"funding-arb/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultIdleTTL       = time.Hour
	DefaultSweepInterval = 15 * time.Minute
)

var (
	ErrClosed    = errors.New("connector pool closed")
	ErrNotPooled = errors.New("connector not pooled")
)

// BuildError reports a connector that could not be resolved, constructed or
// initialized. The entry is never cached.
type BuildError struct {
	UserID       string
	CredentialID string
	Exchange     string
	Err          error
}

func (e *BuildError) Error() string {
	if e.Exchange != "" {
		return fmt.Sprintf("build %s connector for credential %s: %v", e.Exchange, e.CredentialID, e.Err)
	}
	return fmt.Sprintf("build connector for credential %s: %v", e.CredentialID, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

type Options struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

type key struct {
	userID       string
	credentialID string
}

func (k key) String() string {
	return k.userID + "/" + k.credentialID
}

type entry struct {
	conn       connector.Connector
	cred       connector.Credential
	dependents map[string]struct{}
	lastUsed   time.Time
	created    time.Time
}

type Stat struct {
	UserID       string    `json:"user_id"`
	CredentialID string    `json:"credential_id"`
	Exchange     string    `json:"exchange"`
	Env          string    `json:"env"`
	Dependents   []string  `json:"dependents"`
	LastUsed     time.Time `json:"last_used"`
	Created      time.Time `json:"created"`
}

// Pool caches one initialized connector per (user, credential) and keeps it
// alive while any subscription depends on it.
type Pool struct {
	resolver credentials.Resolver
	registry *connector.Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
	opts     Options

	group singleflight.Group

	mu      sync.Mutex
	entries map[key]*entry
	closed  bool
}

func New(resolver credentials.Resolver, registry *connector.Registry, opts Options, m *metrics.Metrics, log *zap.Logger) *Pool {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		resolver: resolver,
		registry: registry,
		log:      log,
		metrics:  metrics.OrNoop(m),
		opts:     opts,
		entries:  make(map[key]*entry),
	}
}

// Acquire returns the cached connector for the credential, building and
// initializing it on first use. Concurrent first acquires share one build.
func (p *Pool) Acquire(ctx context.Context, userID, credentialID string) (connector.Connector, error) {
	k := key{userID: userID, credentialID: credentialID}
	if conn, err := p.cached(k); conn != nil || err != nil {
		return conn, err
	}
	v, err, _ := p.group.Do(k.String(), func() (any, error) {
		if conn, err := p.cached(k); conn != nil || err != nil {
			return conn, err
		}
		return p.build(ctx, k)
	})
	if err != nil {
		return nil, err
	}
	return v.(connector.Connector), nil
}

func (p *Pool) cached(k key) (connector.Connector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if e, ok := p.entries[k]; ok {
		e.lastUsed = p.opts.Now()
		return e.conn, nil
	}
	return nil, nil
}

func (p *Pool) build(ctx context.Context, k key) (connector.Connector, error) {
	cred, err := p.resolver.Resolve(ctx, k.userID, k.credentialID)
	if err != nil {
		return nil, &BuildError{UserID: k.userID, CredentialID: k.credentialID, Err: err}
	}
	conn, err := p.registry.New(cred)
	if err != nil {
		return nil, &BuildError{UserID: k.userID, CredentialID: k.credentialID, Exchange: cred.Exchange, Err: err}
	}
	if err := conn.Initialize(ctx); err != nil {
		_ = conn.Close()
		return nil, &BuildError{UserID: k.userID, CredentialID: k.credentialID, Exchange: cred.Exchange, Err: err}
	}
	now := p.opts.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	p.entries[k] = &entry{
		conn:       conn,
		cred:       cred,
		dependents: make(map[string]struct{}),
		lastUsed:   now,
		created:    now,
	}
	p.mu.Unlock()
	p.log.Info("connector created",
		zap.String("user_id", k.userID),
		zap.String("credential_id", k.credentialID),
		zap.String("exchange", cred.Exchange),
		zap.String("env", string(cred.Env)),
	)
	return conn, nil
}

func (p *Pool) AddReference(userID, credentialID, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key{userID: userID, credentialID: credentialID}]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotPooled, userID, credentialID)
	}
	e.dependents[subscriptionID] = struct{}{}
	e.lastUsed = p.opts.Now()
	return nil
}

// RemoveReference starts the idle clock once the last dependent leaves.
func (p *Pool) RemoveReference(userID, credentialID, subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key{userID: userID, credentialID: credentialID}]
	if !ok {
		return
	}
	delete(e.dependents, subscriptionID)
	e.lastUsed = p.opts.Now()
}

// Sweep closes and evicts entries with no dependents idle longer than the TTL.
func (p *Pool) Sweep(now time.Time) int {
	var evicted []*entry
	p.mu.Lock()
	for k, e := range p.entries {
		if len(e.dependents) == 0 && now.Sub(e.lastUsed) > p.opts.IdleTTL {
			evicted = append(evicted, e)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()
	for _, e := range evicted {
		if err := e.conn.Close(); err != nil {
			p.log.Warn("connector close failed", zap.String("credential_id", e.cred.ID), zap.Error(err))
		}
		p.metrics.PoolEvictions.Inc()
		p.log.Info("connector evicted",
			zap.String("user_id", e.cred.UserID),
			zap.String("credential_id", e.cred.ID),
			zap.Duration("idle", now.Sub(e.lastUsed)),
		)
	}
	return len(evicted)
}

func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(p.opts.Now())
		}
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[key]*entry)
	p.mu.Unlock()
	var errs []error
	for _, e := range entries {
		if err := e.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.cred.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) Stats() []Stat {
	p.mu.Lock()
	out := make([]Stat, 0, len(p.entries))
	for _, e := range p.entries {
		deps := make([]string, 0, len(e.dependents))
		for id := range e.dependents {
			deps = append(deps, id)
		}
		sort.Strings(deps)
		out = append(out, Stat{
			UserID:       e.cred.UserID,
			CredentialID: e.cred.ID,
			Exchange:     e.cred.Exchange,
			Env:          string(e.cred.Env),
			Dependents:   deps,
			LastUsed:     e.lastUsed,
			Created:      e.created,
		})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CredentialID < out[j].CredentialID
	})
	return out
}
