// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package policy

import (
	"errors"
	"sort"
	"sync"
)

const (
	// ResourceTCPOutlet is the resource type of outlets.
	ResourceTCPOutlet = "tcp-outlet"

	// ResourceTCPInlet is the resource type of inlets.
	ResourceTCPInlet = "tcp-inlet"
)

// ErrNoPolicy is returned by Resolve when neither an override nor a
// resource type policy exists.
var ErrNoPolicy = errors.New("policy: no policy for resource type")

// Registry binds resource types to policies.
type Registry struct {
	sync.RWMutex

	policies map[string]Expression
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Expression),
	}
}

// SetPolicy binds expr to resourceType, replacing any prior binding.
func (r *Registry) SetPolicy(resourceType string, expr Expression) {
	r.Lock()
	defer r.Unlock()
	r.policies[resourceType] = expr
}

// Policy returns the policy bound to resourceType.
func (r *Registry) Policy(resourceType string) (Expression, bool) {
	r.RLock()
	defer r.RUnlock()
	expr, ok := r.policies[resourceType]
	return expr, ok
}

// DeletePolicy removes the binding of resourceType.
func (r *Registry) DeletePolicy(resourceType string) {
	r.Lock()
	defer r.Unlock()
	delete(r.policies, resourceType)
}

// ResourceTypes returns the bound resource types in sorted order.
func (r *Registry) ResourceTypes() []string {
	r.RLock()
	defer r.RUnlock()
	l := make([]string, 0, len(r.policies))
	for k := range r.policies {
		l = append(l, k)
	}
	sort.Strings(l)
	return l
}

// Resolve returns override if set, and the policy bound to resourceType
// otherwise.
func (r *Registry) Resolve(resourceType string, override Expression) (Expression, error) {
	if override != nil {
		return override, nil
	}
	if expr, ok := r.Policy(resourceType); ok {
		return expr, nil
	}
	return nil, ErrNoPolicy
}
