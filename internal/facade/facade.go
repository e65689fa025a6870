package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/broker/internal/brokererr"
	"github.com/jeeves-cluster-organization/broker/internal/logging"
	"github.com/jeeves-cluster-organization/broker/internal/negotiate"
	"github.com/jeeves-cluster-organization/broker/internal/observability"
	"github.com/jeeves-cluster-organization/broker/internal/protocol"
	"github.com/jeeves-cluster-organization/broker/internal/router"
	"github.com/jeeves-cluster-organization/broker/internal/session"
	"github.com/jeeves-cluster-organization/broker/internal/store"
	"github.com/jeeves-cluster-organization/broker/internal/tenant"
)

// Facade implements the Tool Façade (C7). It holds no state beyond
// references to C2-C6 and is safe for concurrent use (SPEC_FULL §3.7).
type Facade struct {
	protocols       *protocol.Registry
	sessions        *session.Manager
	router          *router.Router
	tenants         *tenant.Registry
	logger          logging.Logger
	maxPayloadBytes int64
}

// New constructs a Facade wired to the component registries. maxPayloadBytes
// caps send_message/broadcast_message payloads (spec §3, §7); 0 means no
// additional cap is enforced beyond what the transport itself allows.
func New(protocols *protocol.Registry, sessions *session.Manager, rtr *router.Router, tenants *tenant.Registry, maxPayloadBytes int64, logger logging.Logger) *Facade {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	return &Facade{protocols: protocols, sessions: sessions, router: rtr, tenants: tenants, maxPayloadBytes: maxPayloadBytes, logger: logger}
}

// checkPayloadSize enforces max_payload_bytes at ingress, surfacing the
// "payload too large" ValidationError spec §7 names.
func (f *Facade) checkPayloadSize(payload json.RawMessage) error {
	if f.maxPayloadBytes <= 0 || int64(len(payload)) <= f.maxPayloadBytes {
		return nil
	}
	return brokererr.Validation(fmt.Sprintf("payload of %d bytes exceeds max_payload_bytes (%d)", len(payload), f.maxPayloadBytes))
}

func observe(op string, err error) func() {
	start := time.Now()
	return func() {
		outcome := "ok"
		if err != nil {
			outcome = string(brokererr.KindOf(err))
		}
		observability.FacadeCallsTotal.WithLabelValues(op, outcome).Inc()
		observability.FacadeCallDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// requireAuth reads the AuthContext off ctx and attaches the corresponding
// store.TenantScope, since the façade is the only layer that authenticates
// a caller and therefore the only one that may mint a scope the store-backed
// components trust (SPEC_FULL §3.1). Every call into C1-C6 further down must
// use the returned ctx, not the one passed in.
func requireAuth(ctx context.Context) (context.Context, AuthContext, error) {
	auth, ok := AuthFromContext(ctx)
	if !ok {
		return ctx, AuthContext{}, brokererr.Unauthorized("no auth context on call")
	}
	ctx = store.WithTenantScope(ctx, store.TenantScope{TenantID: auth.TenantID, IsAdmin: auth.IsAdmin})
	return ctx, auth, nil
}

// --- register_protocol ---------------------------------------------------

// RegisterProtocolArgs is register_protocol's typed argument struct.
type RegisterProtocolArgs struct {
	Name         string                `required:"true" pattern:"^[a-z][a-z0-9_]*[a-z0-9]$"`
	Version      string                `required:"true"`
	Schema       json.RawMessage       `required:"true"`
	Capabilities []protocol.Capability
	Metadata     map[string]any
}

// RegisterProtocol validates and dispatches into the protocol registry.
func (f *Facade) RegisterProtocol(ctx context.Context, args RegisterProtocolArgs) (info *protocol.Definition, err error) {
	defer func() { observe("register_protocol", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if err = validateStruct(args); err != nil {
		return nil, err
	}

	info, err = f.protocols.Register(ctx, protocol.Definition{
		Tenant:       auth.TenantID,
		Name:         args.Name,
		Version:      args.Version,
		Schema:       args.Schema,
		Capabilities: args.Capabilities,
		Metadata:     args.Metadata,
	})
	return info, err
}

// --- discover_protocols ---------------------------------------------------

// DiscoverProtocolsArgs is discover_protocols's typed argument struct.
type DiscoverProtocolsArgs struct {
	Name          string
	VersionRange  string
	Tags          []string
	IncludeShared bool
}

// DiscoverProtocols dispatches into the protocol registry.
func (f *Facade) DiscoverProtocols(ctx context.Context, args DiscoverProtocolsArgs) (defs []protocol.Definition, err error) {
	defer func() { observe("discover_protocols", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}

	defs, err = f.protocols.Discover(ctx, auth.TenantID, protocol.DiscoverFilter{
		Name:          args.Name,
		VersionRange:  args.VersionRange,
		Tags:          args.Tags,
		IncludeShared: args.IncludeShared,
	})
	return defs, err
}

// --- negotiate_capabilities ------------------------------------------------

// NegotiateCapabilitiesArgs is negotiate_capabilities's typed argument struct.
type NegotiateCapabilitiesArgs struct {
	TargetSession     string `required:"true"`
	RequiredProtocols []negotiate.Requirement
}

// NegotiateCapabilities dispatches into the capability negotiator, using
// the caller's own session (AuthContext.ActorID) as the first participant.
func (f *Facade) NegotiateCapabilities(ctx context.Context, args NegotiateCapabilitiesArgs) (result negotiate.Result, err error) {
	defer func() { observe("negotiate_capabilities", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return negotiate.Result{}, err
	}
	if err = validateStruct(args); err != nil {
		return negotiate.Result{}, err
	}

	caller, err := f.sessions.Get(ctx, auth.TenantID, auth.ActorID)
	if err != nil {
		return negotiate.Result{}, err
	}
	target, err := f.sessions.Get(ctx, auth.TenantID, args.TargetSession)
	if err != nil {
		return negotiate.Result{}, err
	}

	result = negotiate.Pairwise(toNegotiateCaps(caller), toNegotiateCaps(target), args.RequiredProtocols)
	return result, nil
}

func toNegotiateCaps(s *session.Session) negotiate.Capabilities {
	return negotiate.Capabilities{
		SessionID: s.ID,
		Protocols: s.Capabilities.Protocols,
		Features:  s.Capabilities.Features,
	}
}

// --- send_message ----------------------------------------------------------

// SendMessageArgs is send_message's typed argument struct.
type SendMessageArgs struct {
	Recipient       string          `required:"true"`
	ProtocolName    string          `required:"true"`
	ProtocolVersion string          `required:"true"`
	Payload         json.RawMessage `required:"true"`
	Priority        router.Priority
	TTLSeconds      int
}

// SendMessage dispatches into the router's unicast Send.
func (f *Facade) SendMessage(ctx context.Context, args SendMessageArgs) (result router.SendResult, err error) {
	defer func() { observe("send_message", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return router.SendResult{}, err
	}
	if err = validateStruct(args); err != nil {
		return router.SendResult{}, err
	}
	if err = f.checkPayloadSize(args.Payload); err != nil {
		return router.SendResult{}, err
	}

	priority := args.Priority
	if priority == "" {
		priority = router.PriorityNormal
	}

	msg := router.NewMessage(auth.TenantID, auth.ActorID, args.ProtocolName, args.ProtocolVersion, args.Payload, router.Headers{
		Priority:   priority,
		TTLSeconds: args.TTLSeconds,
	})
	msg.RecipientSession = args.Recipient

	result, err = f.router.Send(ctx, msg)
	return result, err
}

// --- broadcast_message -------------------------------------------------

// BroadcastMessageArgs is broadcast_message's typed argument struct.
type BroadcastMessageArgs struct {
	ProtocolName     string          `required:"true"`
	ProtocolVersion  string          `required:"true"`
	Payload          json.RawMessage `required:"true"`
	CapabilityFilter router.CapabilityFilter
	Priority         router.Priority
}

// BroadcastMessage dispatches into the router's fan-out Broadcast.
func (f *Facade) BroadcastMessage(ctx context.Context, args BroadcastMessageArgs) (summary router.BroadcastSummary, err error) {
	defer func() { observe("broadcast_message", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return router.BroadcastSummary{}, err
	}
	if err = validateStruct(args); err != nil {
		return router.BroadcastSummary{}, err
	}
	if err = f.checkPayloadSize(args.Payload); err != nil {
		return router.BroadcastSummary{}, err
	}

	priority := args.Priority
	if priority == "" {
		priority = router.PriorityNormal
	}

	summary, err = f.router.Broadcast(ctx, auth.TenantID, auth.ActorID, args.CapabilityFilter, args.ProtocolName, args.ProtocolVersion, args.Payload, router.Headers{Priority: priority})
	return summary, err
}

// --- list_sessions -----------------------------------------------------

// ListSessionsArgs is list_sessions's typed argument struct.
type ListSessionsArgs struct {
	StatusFilter        session.Status
	IncludeCapabilities bool

	// CrossTenant, when set by an administrator, lists a different tenant
	// explicitly; every such call is audited via the operational logger
	// (spec §4.3: "the latter must be explicit and audited").
	CrossTenant string
}

// ListSessions dispatches into the session manager.
func (f *Facade) ListSessions(ctx context.Context, args ListSessionsArgs) (sessions []session.Session, err error) {
	defer func() { observe("list_sessions", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}

	tenantID := auth.TenantID
	if args.CrossTenant != "" {
		if !auth.IsAdmin {
			return nil, brokererr.Forbidden("cross-tenant session listing requires administrator auth")
		}
		tenantID = args.CrossTenant
		f.logger.Info("admin_cross_tenant_list_sessions", "actor", auth.ActorID, "target_tenant", tenantID)
	}

	sessions, err = f.sessions.List(ctx, tenantID, session.ListFilter{
		Status:              args.StatusFilter,
		IncludeCapabilities: args.IncludeCapabilities,
	})
	return sessions, err
}

// --- admin: tenant management -------------------------------------------

// CreateProjectArgs is create_project's typed argument struct (admin-only).
type CreateProjectArgs struct {
	TenantID    string `required:"true" pattern:"^[a-z][a-z0-9_]*[a-z0-9]$"`
	DisplayName string
	Description string
	Config      tenant.Config
}

func requireAdmin(auth AuthContext) error {
	if !auth.IsAdmin {
		return brokererr.Forbidden("administrative operation requires admin auth")
	}
	return nil
}

// CreateProject dispatches into the tenant registry (admin-only).
func (f *Facade) CreateProject(ctx context.Context, args CreateProjectArgs) (t *tenant.Tenant, err error) {
	defer func() { observe("create_project", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if err = requireAdmin(auth); err != nil {
		return nil, err
	}
	if err = validateStruct(args); err != nil {
		return nil, err
	}

	t, err = f.tenants.Create(ctx, args.TenantID, args.DisplayName, args.Description, args.Config)
	return t, err
}

// ListProjectsArgs is list_projects's typed argument struct.
type ListProjectsArgs struct {
	IncludeStats bool
}

// ListProjects dispatches into the tenant registry.
func (f *Facade) ListProjects(ctx context.Context, args ListProjectsArgs) (tenants []*tenant.Tenant, err error) {
	defer func() { observe("list_projects", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}

	tenants, err = f.tenants.List(ctx, nil, auth.IsAdmin)
	return tenants, err
}

// GetProjectInfoArgs is get_project_info's typed argument struct.
type GetProjectInfoArgs struct {
	TenantID string `required:"true"`
}

// GetProjectInfo dispatches into the tenant registry.
func (f *Facade) GetProjectInfo(ctx context.Context, args GetProjectInfoArgs) (t *tenant.Tenant, err error) {
	defer func() { observe("get_project_info", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if args.TenantID != auth.TenantID && !auth.IsAdmin {
		return nil, brokererr.Forbidden("cannot inspect another tenant")
	}

	t, err = f.tenants.Get(ctx, args.TenantID)
	return t, err
}

// RotateProjectKeysArgs is rotate_project_keys's typed argument struct
// (admin-only).
type RotateProjectKeysArgs struct {
	TenantID    string `required:"true"`
	GracePeriod time.Duration
}

// RotateProjectKeysResult carries the new clear-text key, shown once.
type RotateProjectKeysResult struct {
	ClearTextKey string
	NewKey       *tenant.APIKey
}

// RotateProjectKeys dispatches into the tenant registry (admin-only).
func (f *Facade) RotateProjectKeys(ctx context.Context, args RotateProjectKeysArgs) (result RotateProjectKeysResult, err error) {
	defer func() { observe("rotate_project_keys", err)() }()

	ctx, auth, err := requireAuth(ctx)
	if err != nil {
		return RotateProjectKeysResult{}, err
	}
	if err = requireAdmin(auth); err != nil {
		return RotateProjectKeysResult{}, err
	}

	clearText, newKey, err := f.tenants.RotateKeys(ctx, args.TenantID, args.GracePeriod)
	if err != nil {
		return RotateProjectKeysResult{}, err
	}
	return RotateProjectKeysResult{ClearTextKey: clearText, NewKey: newKey}, nil
}

// --- Dispatch switchboard -------------------------------------------------

// Dispatch is a single string-keyed entry point for transports that want a
// switchboard instead of the direct typed methods.
func (f *Facade) Dispatch(ctx context.Context, opName string, raw json.RawMessage) (json.RawMessage, error) {
	switch opName {
	case "register_protocol":
		return dispatchTyped(ctx, raw, f.RegisterProtocol)
	case "discover_protocols":
		return dispatchTyped(ctx, raw, f.DiscoverProtocols)
	case "negotiate_capabilities":
		return dispatchTyped(ctx, raw, f.NegotiateCapabilities)
	case "send_message":
		return dispatchTyped(ctx, raw, f.SendMessage)
	case "broadcast_message":
		return dispatchTyped(ctx, raw, f.BroadcastMessage)
	case "list_sessions":
		return dispatchTyped(ctx, raw, f.ListSessions)
	case "create_project":
		return dispatchTyped(ctx, raw, f.CreateProject)
	case "list_projects":
		return dispatchTyped(ctx, raw, f.ListProjects)
	case "get_project_info":
		return dispatchTyped(ctx, raw, f.GetProjectInfo)
	case "rotate_project_keys":
		return dispatchTyped(ctx, raw, f.RotateProjectKeys)
	default:
		return nil, brokererr.Validation(fmt.Sprintf("unknown operation %q", opName))
	}
}

func dispatchTyped[Args any, Result any](ctx context.Context, raw json.RawMessage, fn func(context.Context, Args) (Result, error)) (json.RawMessage, error) {
	var args Args
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, brokererr.Validation("malformed arguments: " + err.Error())
		}
	}
	result, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, brokererr.Internal("marshal result: " + err.Error())
	}
	return out, nil
}
