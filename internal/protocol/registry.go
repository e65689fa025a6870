// Package protocol implements the Protocol Registry (C2): validates and
// stores versioned message schemas, indexed for range queries, with opt-in
// cross-tenant sharing.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*[a-z0-9]$`)

// Capability is one of the declared communication patterns a protocol
// supports (spec §3).
type Capability string

const (
	CapabilityPointToPoint    Capability = "point_to_point"
	CapabilityBroadcast       Capability = "broadcast"
	CapabilityRequestResponse Capability = "request_response"
	CapabilityStreaming       Capability = "streaming"
)

// Definition is a registered protocol version, immutable after registration
// (spec §3: "a new version is a new entity").
type Definition struct {
	Tenant       string
	Name         string
	Version      string
	Schema       json.RawMessage
	Capabilities []Capability
	Metadata     map[string]any
	RegisteredAt time.Time

	// SharedFromTenant is set on entries returned via cross-tenant sharing;
	// zero value means the caller owns this entry.
	SharedFromTenant string
}

type entry struct {
	def      Definition
	compiled *Compiled
	version  version
}

// ReferenceChecker lets the registry ask whether a (name, version) is still
// referenced by a live session or an undelivered message before allowing
// delete, per spec §4.2, without the registry importing internal/session
// or internal/router directly.
type ReferenceChecker interface {
	HasActiveReference(ctx context.Context, tenant, name, ver string) (bool, error)
}

// Adapter transforms a payload from one protocol version to another, a pure
// function registered per (tenant, name, from, to) (spec §4.5).
type Adapter func(payload json.RawMessage) (json.RawMessage, error)

func adapterKey(tenant, name, from, to string) string {
	return tenant + ":" + name + ":" + from + ">" + to
}

// Registry is the in-memory Protocol Registry implementation.
type Registry struct {
	mu          sync.RWMutex
	defs        map[string][]*entry // "{tenant}:{name}" -> versions, registration order
	sharedIndex map[string]*sharedRef
	adapters    map[string]Adapter // adapterKey(...) -> transform
	refs        ReferenceChecker
}

// NewRegistry constructs an empty Registry. refs may be nil until wired by
// the top-level Broker.
func NewRegistry(refs ReferenceChecker) *Registry {
	return &Registry{defs: make(map[string][]*entry), refs: refs}
}

func tenantNameKey(tenant, name string) string { return tenant + ":" + name }

// Register validates and stores a new protocol Definition, per spec §4.2.
func (r *Registry) Register(ctx context.Context, def Definition) (*Definition, error) {
	if !namePattern.MatchString(def.Name) {
		return nil, brokererr.Validation(fmt.Sprintf("protocol name %q invalid", def.Name))
	}
	v, err := parseVersion(def.Version)
	if err != nil {
		return nil, brokererr.Validation(err.Error())
	}
	compiled, err := Compile(def.Schema)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := tenantNameKey(def.Tenant, def.Name)
	for _, e := range r.defs[key] {
		if e.def.Version == def.Version {
			return nil, brokererr.Conflict(fmt.Sprintf("protocol %s/%s@%s already registered", def.Tenant, def.Name, def.Version))
		}
	}

	def.RegisteredAt = time.Now()
	e := &entry{def: def, compiled: compiled, version: v}
	r.defs[key] = append(r.defs[key], e)

	out := def
	return &out, nil
}

// DiscoverFilter narrows Discover results (spec §4.2).
type DiscoverFilter struct {
	Name          string
	VersionRange  string
	Tags          []string
	IncludeShared bool
}

// Discover returns registered definitions visible to tenant, deterministically
// sorted by name ascending then version descending (spec §4.2, §4.4).
func (r *Registry) Discover(ctx context.Context, tenant string, filter DiscoverFilter) ([]Definition, error) {
	constraints, err := parseRange(filter.VersionRange)
	if err != nil {
		return nil, brokererr.Validation(err.Error())
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Definition
	for key, entries := range r.defs {
		owner := entries[0].def.Tenant
		if owner != tenant {
			if !filter.IncludeShared || !r.isSharedWith(owner, tenant, entries[0].def.Name) {
				continue
			}
		}
		_ = key
		for _, e := range entries {
			if filter.Name != "" && e.def.Name != filter.Name {
				continue
			}
			if len(constraints) > 0 && !matchesRange(e.version, constraints) {
				continue
			}
			if len(filter.Tags) > 0 && !hasAllTags(e.def.Metadata, filter.Tags) {
				continue
			}
			d := e.def
			if owner != tenant {
				d.SharedFromTenant = owner
			}
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		vi, _ := parseVersion(out[i].Version)
		vj, _ := parseVersion(out[j].Version)
		return vi.compare(vj) > 0
	})
	return out, nil
}

func hasAllTags(metadata map[string]any, tags []string) bool {
	raw, ok := metadata["tags"]
	if !ok {
		return false
	}
	list, ok := raw.([]string)
	if !ok {
		if anyList, ok2 := raw.([]any); ok2 {
			for _, t := range anyList {
				if s, ok3 := t.(string); ok3 {
					list = append(list, s)
				}
			}
		}
	}
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}
	have := make(map[string]struct{}, len(list))
	for _, t := range list {
		have[t] = struct{}{}
	}
	for t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// shared tracks cross-tenant sharing opt-ins: owner tenant -> set of
// (name) made visible, and per-share an allowlist of consuming tenants
// (empty allowlist means visible to any tenant requesting include_shared).
type sharedRef struct {
	allow map[string]struct{} // empty = open to all
}

// Share opts a (name) into cross-tenant discovery for owner, per spec §4.2.
// An empty allow list shares with any tenant requesting include_shared=true.
func (r *Registry) Share(ctx context.Context, owner, name string, allow []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sharedIndex == nil {
		r.sharedIndex = make(map[string]*sharedRef)
	}
	ref := &sharedRef{allow: make(map[string]struct{})}
	for _, t := range allow {
		ref.allow[t] = struct{}{}
	}
	r.sharedIndex[tenantNameKey(owner, name)] = ref
}

func (r *Registry) isSharedWith(owner, requester, name string) bool {
	if r.sharedIndex == nil {
		return false
	}
	ref, ok := r.sharedIndex[tenantNameKey(owner, name)]
	if !ok {
		return false
	}
	if len(ref.allow) == 0 {
		return true
	}
	_, ok = ref.allow[requester]
	return ok
}

// RegisterAdapter installs a version-transformation adapter for
// (tenant, name, from, to), overwriting any prior adapter for the same key
// (spec §4.5 "Version transformation").
func (r *Registry) RegisterAdapter(tenant, name, from, to string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adapters == nil {
		r.adapters = make(map[string]Adapter)
	}
	r.adapters[adapterKey(tenant, name, from, to)] = adapter
}

// Adapter returns the registered transform for (tenant, name, from, to), if
// any, so the router can downgrade or upgrade a payload when the recipient
// doesn't support the sender's exact version.
func (r *Registry) Adapter(tenant, name, from, to string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[adapterKey(tenant, name, from, to)]
	return a, ok
}

// Get returns a single definition by (tenant, name, version).
func (r *Registry) Get(ctx context.Context, tenant, name, ver string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.defs[tenantNameKey(tenant, name)] {
		if e.def.Version == ver {
			out := e.def
			return &out, nil
		}
	}
	return nil, brokererr.NotFound(fmt.Sprintf("protocol %s/%s@%s not found", tenant, name, ver))
}

// Compiled returns the cached compiled schema for (tenant, name, version),
// used by the router to validate payloads at ingress.
func (r *Registry) Compiled(ctx context.Context, tenant, name, ver string) (*Compiled, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.defs[tenantNameKey(tenant, name)] {
		if e.def.Version == ver {
			return e.compiled, nil
		}
	}
	return nil, brokererr.NotFound(fmt.Sprintf("protocol %s/%s@%s not found", tenant, name, ver))
}

// Delete removes a version, failing with HasActiveReferences if it is
// still referenced (spec §4.2).
func (r *Registry) Delete(ctx context.Context, tenant, name, ver string) error {
	if r.refs != nil {
		active, err := r.refs.HasActiveReference(ctx, tenant, name, ver)
		if err != nil {
			return err
		}
		if active {
			return brokererr.Conflict(fmt.Sprintf("protocol %s/%s@%s has active references", tenant, name, ver))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenantNameKey(tenant, name)
	entries := r.defs[key]
	for i, e := range entries {
		if e.def.Version == ver {
			remaining := append(entries[:i], entries[i+1:]...)
			if len(remaining) == 0 {
				delete(r.defs, key)
			} else {
				r.defs[key] = remaining
			}
			return nil
		}
	}
	return brokererr.NotFound(fmt.Sprintf("protocol %s/%s@%s not found", tenant, name, ver))
}

// EnsureOwner returns NotOwner (a Forbidden kind) if tenant does not own
// (name, version) — shared entries are read-only, even for administrators
// (spec §4.2: "modification through a shared reference is prohibited even
// for administrators").
func (r *Registry) EnsureOwner(ctx context.Context, tenant, name, ver string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.defs[tenantNameKey(tenant, name)] {
		if e.def.Version == ver {
			return nil
		}
	}
	return brokererr.New(brokererr.KindForbidden, "NotOwner: tenant does not own this protocol version", nil)
}

// GetRegisteredNames returns all protocol names registered for tenant
// (SPEC_FULL §4) — useful for the health surface to report what's live.
func (r *Registry) GetRegisteredNames(tenant string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var names []string
	for key, entries := range r.defs {
		_ = key
		if len(entries) == 0 || entries[0].def.Tenant != tenant {
			continue
		}
		if _, ok := seen[entries[0].def.Name]; !ok {
			seen[entries[0].def.Name] = struct{}{}
			names = append(names, entries[0].def.Name)
		}
	}
	sort.Strings(names)
	return names
}
