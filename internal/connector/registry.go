package connector

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Builder func(cred Credential, log *zap.Logger) (Connector, error)

// Registry maps exchange names to connector builders. Concrete exchange
// protocol clients register themselves here.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{builders: make(map[string]Builder), log: log}
}

func (r *Registry) Register(exchange string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[normalize(exchange)] = builder
}

func (r *Registry) Supported(exchange string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[normalize(exchange)]
	return ok
}

func (r *Registry) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for name := range r.builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) New(cred Credential) (Connector, error) {
	r.mu.RLock()
	builder, ok := r.builders[normalize(cred.Exchange)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, cred.Exchange)
	}
	return builder(cred, r.log.With(zap.String("exchange", normalize(cred.Exchange))))
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
