package reconcile

import "sync"

// Registry lazily creates one Client per tenant, since reconciliation
// state is owned per-tenant (spec §3's ReconState scalars are
// per-tenant budget scalars).
type Registry struct {
	cfg      Config
	upstream UpstreamClient
	onChange func(tenantID string, from, to State)

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(cfg Config, upstream UpstreamClient, onChange func(tenantID string, from, to State)) *Registry {
	return &Registry{cfg: cfg, upstream: upstream, onChange: onChange, clients: make(map[string]*Client)}
}

func (r *Registry) Get(tenantID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[tenantID]
	if ok {
		return c
	}
	c = New(tenantID, r.cfg, r.upstream, r.onChange)
	r.clients[tenantID] = c
	return c
}

// TenantIDs returns every tenant with an active reconciliation client,
// for the scheduler to poll.
func (r *Registry) TenantIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}
