package providers

import "fmt"

// Registry resolves a provider name to a live Provider instance, built once
// at startup from ProvidersConfig and shared by every agent that names it.
type Registry struct {
	providers map[string]Provider
	profiles  map[string]map[string]Provider // provider -> profile id -> instance
}

// NewRegistry builds a Registry from explicit provider instances, keyed by
// Provider.Name(). Constructing providers (and their API keys) is the
// caller's job — this type just holds the lookup table the agent resolver
// and the RPC methods read.
func NewRegistry(provs ...Provider) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(provs)),
		profiles:  make(map[string]map[string]Provider),
	}
	for _, p := range provs {
		r.providers[p.Name()] = p
	}
	return r
}

// RegisterProfile adds a per-credential provider instance under (provider,
// profileID). The first profile registered for a provider also becomes its
// default instance if none was given to NewRegistry.
func (r *Registry) RegisterProfile(provider, profileID string, p Provider) {
	if r.profiles[provider] == nil {
		r.profiles[provider] = make(map[string]Provider)
	}
	r.profiles[provider][profileID] = p
	if _, ok := r.providers[provider]; !ok {
		r.providers[provider] = p
	}
}

// Profile returns the instance registered for (provider, profileID), falling
// back to the provider's default instance when the profile id is empty or
// unknown. This keeps single-credential setups working without any profile
// bookkeeping.
func (r *Registry) Profile(provider, profileID string) (Provider, error) {
	if profileID != "" {
		if m, ok := r.profiles[provider]; ok {
			if p, ok := m[profileID]; ok {
				return p, nil
			}
		}
	}
	return r.Get(provider)
}

// Get returns the named provider, or an error if it was never registered
// (e.g. an agent spec names a provider with no API key configured).
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}
	return p, nil
}

// Names returns every registered provider name, in no particular order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
