package registry

import (
	"fmt"
	"sort"
)

// Registry is a read-only catalog of provider registrations. It is populated
// once at startup and safe for concurrent reads.
type Registry struct {
	registrations map[string]Registration
}

// New builds a Registry from the given registrations. Every registration is
// validated; duplicate IDs are rejected.
func New(registrations []Registration) (*Registry, error) {
	byID := make(map[string]Registration, len(registrations))
	for _, reg := range registrations {
		if err := reg.Validate(); err != nil {
			return nil, err
		}
		if _, exists := byID[reg.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRegistration, reg.ID)
		}
		if reg.AuthMethod == "" {
			reg.AuthMethod = ClientAuthBasic
		}
		byID[reg.ID] = reg
	}
	return &Registry{registrations: byID}, nil
}

// Get returns the registration for the given ID, or ErrRegistrationNotFound.
// The returned value is a copy; mutating it does not affect the registry.
func (r *Registry) Get(id string) (Registration, error) {
	reg, ok := r.registrations[id]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrRegistrationNotFound, id)
	}
	return reg, nil
}

// IDs returns the sorted registration IDs known to this registry.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.registrations))
	for id := range r.registrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	return len(r.registrations)
}
