package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"AgentEngine/pkg/engine/api"
)

// dispatchCacheSize bounds the registry's dispatch-result cache. A handful
// of frequently repeated read-only calls (the same grep, the same file
// read) is the common case; this is not meant to cache exec output across
// unrelated commands.
const dispatchCacheSize = 256

// ActionHandler executes one action of a canonical tool. It has the same
// shape as Tool.Execute, narrowed to what the canonical dispatcher needs.
type ActionHandler func(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error)

// actionSpec binds one action of a canonical tool to its handler, the
// historical standalone tool name it replaces (its hidden alias, "" if
// none), and the declaration shown for that action when accessed through
// its alias.
type actionSpec struct {
	handler     ActionHandler
	alias       string
	declaration api.ToolSchema
	preview     func(ctx context.Context, args api.Args) (*api.Preview, error)
}

// CanonicalTool is the unified tool front-end: one declaration per
// canonical name ("search", "exec", "file"), an "action" field in its
// arguments selecting the concrete behavior. Every action also remains
// reachable under its historical standalone name via a hidden alias (see
// aliasTool), so existing callers and persisted transcripts keep working
// unchanged and alias calls dispatch identically to canonical ones.
type CanonicalTool struct {
	name        string
	description string
	risk        api.RiskLevel
	policyClass api.PolicyClass
	cacheable   bool
	exclusive   bool

	actions map[string]actionSpec
	order   []string // action names in registration order
}

func newCanonicalTool(name, description string, risk api.RiskLevel, policyClass api.PolicyClass) *CanonicalTool {
	return &CanonicalTool{
		name:        name,
		description: description,
		risk:        risk,
		policyClass: policyClass,
		actions:     make(map[string]actionSpec),
	}
}

// bind wraps an existing concrete tool as one action of this canonical
// tool and gives it alias as its hidden standalone name.
func (c *CanonicalTool) bind(action, alias string, tool Tool) {
	c.addAction(action, actionSpec{
		handler:     tool.Execute,
		alias:       alias,
		declaration: tool.Declaration(),
		preview:     previewFunc(tool),
	})
}

// stub registers an action that is declared (so resolve/declarations see
// it) but not yet implemented; dispatching it returns a clear failure
// rather than silently doing nothing.
func (c *CanonicalTool) stub(action, reason string) {
	c.addAction(action, actionSpec{
		handler: func(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
			return toolErrorf("%s.%s is not implemented: %s", c.name, action, reason), nil
		},
		declaration: api.ToolSchema{
			Name:        c.name + "." + action,
			Description: reason,
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
	})
}

func (c *CanonicalTool) addAction(action string, spec actionSpec) {
	if _, exists := c.actions[action]; !exists {
		c.order = append(c.order, action)
	}
	c.actions[action] = spec
}

func previewFunc(tool Tool) func(context.Context, api.Args) (*api.Preview, error) {
	p, ok := tool.(Previewer)
	if !ok {
		return nil
	}
	return p.Preview
}

func (c *CanonicalTool) Name() string        { return c.name }
func (c *CanonicalTool) Description() string { return c.description }
func (c *CanonicalTool) Risk() api.RiskLevel  { return c.risk }

// Declaration merges every action's parameter properties into one object
// schema plus the "action" enum discriminator. Per-action "required"
// lists aren't merged (they conflict across actions); each action's own
// description documents what it needs.
func (c *CanonicalTool) Declaration() api.ToolSchema {
	actionNames := append([]string(nil), c.order...)
	sort.Strings(actionNames)

	properties := map[string]any{
		"action": map[string]any{
			"type":        "string",
			"description": fmt.Sprintf("Which %s operation to perform: %s.", c.name, strings.Join(actionNames, ", ")),
			"enum":        actionNames,
		},
	}
	for _, action := range c.order {
		params, ok := c.actions[action].declaration.Parameters.(map[string]any)
		if !ok {
			continue
		}
		subProps, ok := params["properties"].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range subProps {
			properties[k] = v
		}
	}

	return api.ToolSchema{
		Name:        c.name,
		Description: c.description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   []string{"action"},
		},
	}
}

// Execute dispatches to the action named by args["action"], with that key
// stripped before the inner handler sees the arguments.
func (c *CanonicalTool) Execute(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
	action := GetStringArg(args, "action", "")
	spec, ok := c.actions[action]
	if !ok {
		return toolErrorf("%s: unknown action %q", c.name, action), nil
	}
	inner := make(api.Args, len(args))
	for k, v := range args {
		if k == "action" {
			continue
		}
		inner[k] = v
	}
	return spec.handler(ctx, inner, ictx)
}

// Preview delegates to the action's own previewer, if it has one.
func (c *CanonicalTool) Preview(ctx context.Context, args api.Args) (*api.Preview, error) {
	action := GetStringArg(args, "action", "")
	spec, ok := c.actions[action]
	if !ok || spec.preview == nil {
		return nil, errors.New("preview not supported for this action")
	}
	return spec.preview(ctx, args)
}

// aliasTool presents one canonical action under its historical standalone
// name: same declaration an old-style caller always saw, routed through
// the canonical tool's dispatch. Its Name() stays the alias, so the
// repeated-failure signature and history items an old caller produces are
// unaffected by the canonical tool existing underneath it.
type aliasTool struct {
	alias     string
	canonical *CanonicalTool
	action    string
}

func (a *aliasTool) Name() string        { return a.alias }
func (a *aliasTool) Description() string { return a.canonical.actions[a.action].declaration.Description }
func (a *aliasTool) Risk() api.RiskLevel  { return a.canonical.risk }
func (a *aliasTool) Declaration() api.ToolSchema {
	return a.canonical.actions[a.action].declaration
}

func (a *aliasTool) Execute(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
	routed := make(api.Args, len(args)+1)
	for k, v := range args {
		routed[k] = v
	}
	routed["action"] = a.action
	return a.canonical.Execute(ctx, routed, ictx)
}

func (a *aliasTool) Preview(ctx context.Context, args api.Args) (*api.Preview, error) {
	spec := a.canonical.actions[a.action]
	if spec.preview == nil {
		return nil, errors.New("preview not supported for this action")
	}
	return spec.preview(ctx, args)
}

// resolvesTo exposes the (canonical, action) pair an alias maps to, used
// by Registry.Resolve.
func (a *aliasTool) resolvesTo() (string, string) { return a.canonical.name, a.action }

type aliasResolver interface {
	resolvesTo() (string, string)
}

// registerCanonicalTool installs a canonical tool under its own name and
// every one of its bound actions under its historical alias, then records
// the api.ToolRegistration describing it. This is the one place
// ToolRegistration actually gets instantiated.
func (r *Registry) registerCanonicalTool(ct *CanonicalTool) (api.ToolRegistration, error) {
	reg := api.ToolRegistration{
		CanonicalName:   ct.name,
		Handler:         ct,
		Declaration:     ct.Declaration(),
		PolicyClass:     ct.policyClass,
		Cacheable:       ct.cacheable,
		ExclusiveAccess: ct.exclusive,
	}

	if err := r.Register(ct); err != nil {
		return reg, err
	}

	for _, action := range ct.order {
		spec := ct.actions[action]
		if spec.alias == "" {
			continue
		}
		if err := r.registerAlias(spec.alias, &aliasTool{alias: spec.alias, canonical: ct, action: action}); err != nil {
			return reg, err
		}
		reg.Aliases = append(reg.Aliases, spec.alias)
	}

	r.mu.Lock()
	r.registrations[ct.name] = reg
	r.mu.Unlock()
	return reg, nil
}

// registerAlias installs a hidden alias tool: reachable via Get/Dispatch,
// but excluded from All()/Names() so the LLM-facing tool list only ever
// shows the three canonical tools.
func (r *Registry) registerAlias(name string, tool Tool) error {
	if err := r.Register(tool); err != nil {
		return err
	}
	r.mu.Lock()
	r.aliasNames[name] = true
	r.mu.Unlock()
	return nil
}

// Resolve maps a tool name (canonical or alias) to its canonical name and
// action. For a direct canonical-name call, action is "" — the caller is
// expected to supply args["action"] itself. ok is false if name is
// unknown.
func (r *Registry) Resolve(name string) (canonical string, action string, ok bool) {
	tool, found := r.Get(name)
	if !found {
		return "", "", false
	}
	if ar, isAlias := tool.(aliasResolver); isAlias {
		c, a := ar.resolvesTo()
		return c, a, true
	}
	return tool.Name(), "", true
}

// Registrations returns every instantiated api.ToolRegistration, sorted by
// canonical name.
func (r *Registry) Registrations() []api.ToolRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.ToolRegistration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out
}

// Declarations returns the LLM-facing tool schemas: canonical tools and
// any standalone tool that was never folded into one, filtered to those
// at or under capabilityLevel. Hidden aliases never appear here.
func (r *Registry) Declarations(capabilityLevel int) []api.ToolSchema {
	r.mu.RLock()
	registrations := make(map[string]api.ToolRegistration, len(r.registrations))
	for k, v := range r.registrations {
		registrations[k] = v
	}
	r.mu.RUnlock()

	var out []api.ToolSchema
	for _, tool := range r.All() {
		if reg, ok := registrations[tool.Name()]; ok {
			if reg.CapabilityLevel > capabilityLevel {
				continue
			}
		}
		out = append(out, tool.Declaration())
	}
	return out
}

// dispatchCacheKey identifies one (canonical, action, args) call for the
// result cache.
func dispatchCacheKey(canonical, action string, args api.Args) string {
	raw, _ := json.Marshal(args)
	sum := sha256.Sum256(raw)
	return canonical + ":" + action + ":" + hex.EncodeToString(sum[:8])
}

// exclusiveLock returns the per-canonical-name mutex serializing dispatch
// for tools registered with ExclusiveAccess (e.g. a PTY-backed handler
// that can only run one command at a time), creating it on first use.
func (r *Registry) exclusiveLock(canonical string) *sync.Mutex {
	r.semMu.Lock()
	defer r.semMu.Unlock()
	if r.semaphores == nil {
		r.semaphores = make(map[string]*sync.Mutex)
	}
	if _, ok := r.semaphores[canonical]; !ok {
		r.semaphores[canonical] = &sync.Mutex{}
	}
	return r.semaphores[canonical]
}

// Dispatch resolves name (canonical or alias) to its canonical name and
// action, serves the call from cache when the registration allows it,
// serializes access when the registration demands exclusivity, invokes
// the handler, and populates the cache on a successful result. Exec-class
// handlers still delegate to the safety evaluator themselves
// (ictx.SafetyEvaluator), since that decision needs the handler's own
// resolved argv, not the canonical wrapper's.
func (r *Registry) Dispatch(ctx context.Context, name string, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
	canonical, action, ok := r.Resolve(name)
	if !ok {
		return toolErrorf("tool not found: %s", name), nil
	}

	r.mu.RLock()
	reg, hasReg := r.registrations[canonical]
	r.mu.RUnlock()

	if !hasReg {
		// A standalone tool that was never folded into a canonical
		// group: dispatch it directly, skipping the steps below (they
		// have no registration to read cache/exclusivity settings from).
		tool, found := r.Get(canonical)
		if !found {
			return toolErrorf("tool not found: %s", canonical), nil
		}
		return tool.Execute(ctx, args, ictx)
	}

	// Approval itself is gated upstream by the turn runner against
	// r.cfg.Policy before dispatch is ever reached; reg.PolicyClass
	// documents the tool's class for that decision rather than being
	// re-checked here, so a resumed approval doesn't need to fabricate
	// an approval token for this call.

	routed := args
	if action != "" {
		routed = make(api.Args, len(args)+1)
		for k, v := range args {
			routed[k] = v
		}
		routed["action"] = action
	}

	var cacheKey string
	if reg.Cacheable && r.cache != nil {
		cacheKey = dispatchCacheKey(canonical, action, routed)
		if cached, hit := r.cache.Get(cacheKey); hit {
			cached.Metadata.CacheHit = true
			return cached, nil
		}
	}

	if reg.ExclusiveAccess {
		sem := r.exclusiveLock(canonical)
		sem.Lock()
		defer sem.Unlock()
	}

	result, err := reg.Handler.Execute(ctx, routed, ictx)
	if err != nil {
		return result, err
	}

	if reg.Cacheable && r.cache != nil && result.Status == api.StatusSuccess {
		r.cache.Add(cacheKey, result)
	}
	return result, nil
}

// newDispatchCache builds the registry's shared dispatch-result cache.
func newDispatchCache() *lru.Cache[string, api.ToolResult] {
	c, err := lru.New[string, api.ToolResult](dispatchCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which dispatchCacheSize
		// never is.
		panic(err)
	}
	return c
}
