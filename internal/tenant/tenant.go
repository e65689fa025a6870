// Package tenant implements the Tenant Registry (C6): project metadata,
// API-key material, and cross-tenant permission rules.
//
// API keys are stored as unsalted SHA-256 digests and compared with a constant-time
// hash comparison; cross-tenant traffic requires each side to independently
// declare and whitelist the other.
package tenant

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
)

// Status is a Tenant's lifecycle status.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

var tenantIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*[a-z0-9]$`)

// ValidateTenantID checks tenant_id against spec §3's slug grammar.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return brokererr.Validation(fmt.Sprintf("tenant_id %q does not match required slug pattern", id))
	}
	return nil
}

// Quotas bounds a tenant's resource usage; enforced at the session manager
// and protocol registry boundaries per spec §4.6, stored here only.
type Quotas struct {
	MaxSessions      int
	MaxProtocols     int
	MaxMailboxDepth  int
}

// CrossTenantRule declares that Owner permits traffic with Peer under the
// listed protocol whitelist and a non-zero rate budget. Mutual consent
// (§9 Open Question) is resolved as independent declarations that
// intersect: both tenants must list each other.
type CrossTenantRule struct {
	Peer               string
	ProtocolWhitelist  []string
	RateBudgetPerMinute int
}

// Config holds a tenant's quotas, discoverability, and cross-tenant rules.
type Config struct {
	Quotas           Quotas
	Discoverable     bool
	CrossTenantRules []CrossTenantRule
}

// Tenant is the registry's primary entity (spec §3).
type Tenant struct {
	ID             string
	DisplayName    string
	Description    string
	Status         Status
	Config         Config
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// KeyStatus is an API key's lifecycle status.
type KeyStatus string

const (
	KeyStatusActive     KeyStatus = "active"
	KeyStatusSuperseded KeyStatus = "superseded" // rotated out, valid until GraceDeadline
	KeyStatusRevoked    KeyStatus = "revoked"
	KeyStatusExpired    KeyStatus = "expired"
)

// APIKey is stored only as a digest; the clear text is returned once, at
// creation, and never persisted.
type APIKey struct {
	ID             string
	Tenant         string
	Digest         string
	Capabilities   []string
	Status         KeyStatus
	ExpiresAt      time.Time
	GraceDeadline  time.Time // zero unless superseded by rotation
	CreatedAt      time.Time
}

// ActiveSessionCounter and PendingMessageCounter let the registry check the
// destroy precondition ("no active sessions and no pending messages")
// without depending on the session manager or router packages directly —
// narrow interfaces, following the protocol registry's reference-counting
// pattern described in SPEC_FULL §3.2.
type ActiveSessionCounter interface {
	ActiveSessionCount(ctx context.Context, tenantID string) (int, error)
}

type PendingMessageCounter interface {
	PendingMessageCount(ctx context.Context, tenantID string) (int, error)
}

// Registry is the in-memory Tenant Registry implementation.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]*APIKey // key id -> APIKey

	sessions ActiveSessionCounter
	messages PendingMessageCounter
}

// NewRegistry builds an empty Registry. sessions/messages are narrow
// interfaces (avoiding an import cycle with internal/session and
// internal/router) and may be nil.
func NewRegistry(sessions ActiveSessionCounter, messages PendingMessageCounter) *Registry {
	return &Registry{
		tenants:  make(map[string]*Tenant),
		keys:     make(map[string]*APIKey),
		sessions: sessions,
		messages: messages,
	}
}

// Create registers a new tenant. Returns Conflict if the id already exists.
func (r *Registry) Create(ctx context.Context, id, displayName, description string, cfg Config) (*Tenant, error) {
	if err := ValidateTenantID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tenants[id]; exists {
		return nil, brokererr.Conflict(fmt.Sprintf("tenant %q already exists", id))
	}

	now := time.Now()
	t := &Tenant{
		ID:             id,
		DisplayName:    displayName,
		Description:    description,
		Status:         StatusActive,
		Config:         cfg,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.tenants[id] = t
	return cloneTenant(t), nil
}

// Get returns a tenant by id.
func (r *Registry) Get(ctx context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, brokererr.NotFound(fmt.Sprintf("tenant %q not found", id))
	}
	return cloneTenant(t), nil
}

// List returns tenants matching filter, excluding non-discoverable tenants
// unless includeAll (administrator) is set.
func (r *Registry) List(ctx context.Context, filter func(*Tenant) bool, includeAll bool) ([]*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Tenant
	for _, t := range r.tenants {
		if !includeAll && !t.Config.Discoverable {
			continue
		}
		if filter != nil && !filter(t) {
			continue
		}
		out = append(out, cloneTenant(t))
	}
	return out, nil
}

// Deactivate marks a tenant inactive. It does not destroy the tenant
// record; destruction requires no active sessions and no pending messages.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return brokererr.NotFound(fmt.Sprintf("tenant %q not found", id))
	}
	t.Status = StatusInactive
	return nil
}

// Destroy removes a tenant, failing with Conflict if it still has active
// sessions or pending messages, per spec §3 ("destroyed only when it has
// no active sessions and no pending messages").
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[id]; !ok {
		return brokererr.NotFound(fmt.Sprintf("tenant %q not found", id))
	}
	if r.sessions != nil {
		n, err := r.sessions.ActiveSessionCount(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return brokererr.Conflict(fmt.Sprintf("tenant %q has %d active sessions", id, n))
		}
	}
	if r.messages != nil {
		n, err := r.messages.PendingMessageCount(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return brokererr.Conflict(fmt.Sprintf("tenant %q has %d pending messages", id, n))
		}
	}
	delete(r.tenants, id)
	for kid, k := range r.keys {
		if k.Tenant == id {
			delete(r.keys, kid)
		}
	}
	return nil
}

// --- API keys -----------------------------------------------------------

const keyRandomBytes = 4 // 8 hex chars, matching spec's "{random_hex_8}"

// CreateKey mints a new API key for tenant, returning the clear-text key
// once; only its digest is stored thereafter. Format matches spec §3/§6:
// sk_agent_v1_{tenant_prefix_8}_{agent_uuid}_{random_hex_8}.
func (r *Registry) CreateKey(ctx context.Context, tenantID string, capabilities []string, ttl time.Duration) (clearText string, key *APIKey, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenantID]; !ok {
		return "", nil, brokererr.NotFound(fmt.Sprintf("tenant %q not found", tenantID))
	}

	prefix := tenantPrefix(tenantID)
	agentID := uuid.New().String()
	randomHex, err := randomHexSuffix(keyRandomBytes)
	if err != nil {
		return "", nil, brokererr.Internal("key generation failed: " + err.Error())
	}
	clearText = fmt.Sprintf("sk_agent_v1_%s_%s_%s", prefix, agentID, randomHex)

	id := uuid.New().String()
	k := &APIKey{
		ID:           id,
		Tenant:       tenantID,
		Digest:       digest(clearText),
		Capabilities: capabilities,
		Status:       KeyStatusActive,
		CreatedAt:    time.Now(),
	}
	if ttl > 0 {
		k.ExpiresAt = k.CreatedAt.Add(ttl)
	}
	r.keys[id] = k
	return clearText, cloneKey(k), nil
}

// RotateKeys issues new key material for tenantID and keeps the prior
// active key(s) valid until now+gracePeriod, per spec §4.6.
func (r *Registry) RotateKeys(ctx context.Context, tenantID string, gracePeriod time.Duration) (clearText string, newKey *APIKey, err error) {
	r.mu.Lock()
	deadline := time.Now().Add(gracePeriod)
	for _, k := range r.keys {
		if k.Tenant == tenantID && k.Status == KeyStatusActive {
			k.Status = KeyStatusSuperseded
			k.GraceDeadline = deadline
		}
	}
	r.mu.Unlock()

	return r.CreateKey(ctx, tenantID, nil, 0)
}

// Authenticate checks clearText against every stored key digest,
// honoring the grace-period dual-key rotation window (spec §8: "rotate_keys
// then any request using the old key within the grace window succeeds").
func (r *Registry) Authenticate(ctx context.Context, clearText string) (*APIKey, error) {
	d := digest(clearText)
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if subtle.ConstantTimeCompare([]byte(k.Digest), []byte(d)) != 1 {
			continue
		}
		if k.Status == KeyStatusRevoked {
			return nil, brokererr.Unauthorized("invalid credentials")
		}
		if !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt) {
			return nil, brokererr.Unauthorized("invalid credentials")
		}
		if k.Status == KeyStatusActive {
			return cloneKey(k), nil
		}
		if !k.GraceDeadline.IsZero() && now.Before(k.GraceDeadline) {
			return cloneKey(k), nil
		}
		return nil, brokererr.Unauthorized("invalid credentials")
	}
	// Generic message: auth errors intentionally don't distinguish "unknown
	// tenant" from "wrong key" (spec §7).
	return nil, brokererr.Unauthorized("invalid credentials")
}

// RevokeKey immediately invalidates a key, bypassing any grace period.
func (r *Registry) RevokeKey(ctx context.Context, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	if !ok {
		return brokererr.NotFound(fmt.Sprintf("key %q not found", keyID))
	}
	k.Status = KeyStatusRevoked
	return nil
}

// --- cross-tenant consent -------------------------------------------------

// CrossTenantAllowed resolves the §9 Open Question as independent
// declarations that intersect: both tenants must list each other.
func (r *Registry) CrossTenantAllowed(ctx context.Context, origin, dest, protocolName string) (*CrossTenantRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.tenants[origin]
	if !ok {
		return nil, brokererr.NotFound(fmt.Sprintf("tenant %q not found", origin))
	}
	d, ok := r.tenants[dest]
	if !ok {
		return nil, brokererr.NotFound(fmt.Sprintf("tenant %q not found", dest))
	}

	originRule := findRule(o.Config.CrossTenantRules, dest)
	destRule := findRule(d.Config.CrossTenantRules, origin)
	if originRule == nil || destRule == nil {
		return nil, nil // not mutually declared; caller treats as refusal
	}
	if !protocolAllowed(originRule.ProtocolWhitelist, protocolName) || !protocolAllowed(destRule.ProtocolWhitelist, protocolName) {
		return nil, nil
	}
	if originRule.RateBudgetPerMinute <= 0 || destRule.RateBudgetPerMinute <= 0 {
		return nil, nil
	}
	return originRule, nil
}

func findRule(rules []CrossTenantRule, peer string) *CrossTenantRule {
	for i := range rules {
		if rules[i].Peer == peer {
			return &rules[i]
		}
	}
	return nil
}

func protocolAllowed(whitelist []string, name string) bool {
	if len(whitelist) == 0 {
		return false
	}
	for _, p := range whitelist {
		if p == name {
			return true
		}
	}
	return false
}

// --- helpers --------------------------------------------------------------

func tenantPrefix(tenantID string) string {
	s := tenantID
	if len(s) > 8 {
		s = s[:8]
	}
	for len(s) < 8 {
		s += "0"
	}
	return s
}

func randomHexSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func digest(clearText string) string {
	sum := sha256.Sum256([]byte(clearText))
	return hex.EncodeToString(sum[:])
}

func cloneTenant(t *Tenant) *Tenant {
	cp := *t
	cp.Config.CrossTenantRules = append([]CrossTenantRule(nil), t.Config.CrossTenantRules...)
	return &cp
}

func cloneKey(k *APIKey) *APIKey {
	cp := *k
	cp.Capabilities = append([]string(nil), k.Capabilities...)
	return &cp
}
