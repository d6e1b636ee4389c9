package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"aidesk/eventbus"
)

// MachineState names one node of the dispatch graph.
type MachineState string

const (
	StateUserRequest     MachineState = "USER_REQUEST"
	StateMonoParse       MachineState = "MONO_PARSE"
	StateRegexMatched    MachineState = "REGEX_MATCHED"
	StateAIPreprocess    MachineState = "AI_PREPROCESS"
	StateIntentNewApp    MachineState = "INTENT_NEW_APP"
	StateIntentUpdateApp MachineState = "INTENT_UPDATE_APP"
	StateDiagnoseError   MachineState = "DIAGNOSE_ERROR"
	StateVirtualResponse MachineState = "VIRTUAL_RESPONSE"
	StateToolPreparation MachineState = "TOOL_PREPARATION"
	StateToolAgent       MachineState = "TOOL_AGENT"
	StateAppGeneration   MachineState = "APP_GENERATION"
	StateAppReview       MachineState = "APP_REVIEW"
	StateAppVerification MachineState = "APP_VERIFICATION"
	StateAppReturned     MachineState = "APP_RETURNED"
	StateLiveUpdating    MachineState = "LIVE_UPDATING_LOOP"
	StateEnd             MachineState = "END"
	StateError           MachineState = "ERROR"
)

// RequestData is one inbound request as seen by the dispatcher.
type RequestData struct {
	Method    string
	Path      string
	Query     map[string]string
	Body      map[string]interface{}
	Prompt    string
	SessionID string
}

// StateMachineResult is the outcome of one Process run.
type StateMachineResult struct {
	Success    bool
	FinalState MachineState
	Response   map[string]interface{}
	Virtual    *VirtualContent
	Error      string
	Trace      []MachineState
}

// PollResult is the answer to one client poll.
type PollResult struct {
	UpdatedApps   []*CachedApp `json:"updatedApps"`
	RemovedAppIDs []string     `json:"removedAppIds"`
	ActiveAppIDs  []string     `json:"activeAppIds"`
}

// EventPublisher is the slice of the bus the dispatcher needs. A nil
// publisher disables events.
type EventPublisher interface {
	Publish(ctx context.Context, evt eventbus.DesktopEvent) error
}

// run holds the mutable context of a single Process invocation. Each run is
// owned by one goroutine; only the injected collaborators are shared.
type run struct {
	data RequestData

	match              *LadderMatch
	intent             *IntentResult
	resolvedTools      []*ToolDefinition
	targetApp          *CachedApp
	feedback           []string
	generationAttempts int
	generated          *GeneratedApp
	response           map[string]interface{}
	virtual            *VirtualContent
	errMsg             string
}

// RequestStateMachine routes one request through the dispatch graph. A fresh
// run context is built per Process call; the collaborators are process-wide
// singletons injected at construction.
type RequestStateMachine struct {
	limits  LimitsConfig
	tools   *ToolManager
	ladder  *RegexLadder
	cache   *AppCache
	planner *AIPlanner
	bus     EventPublisher

	// TrackLiveApp, when set, hands a live-updating app to the background
	// refresh loop.
	TrackLiveApp func(app *CachedApp)
}

func NewRequestStateMachine(limits LimitsConfig, tools *ToolManager, ladder *RegexLadder, cache *AppCache, planner *AIPlanner, bus EventPublisher) *RequestStateMachine {
	return &RequestStateMachine{
		limits:  limits,
		tools:   tools,
		ladder:  ladder,
		cache:   cache,
		planner: planner,
		bus:     bus,
	}
}

// Transition cap well above any legitimate path through the graph.
const maxTransitions = 64

// Process drives a request from USER_REQUEST to a terminal state.
func (m *RequestStateMachine) Process(ctx context.Context, data RequestData) StateMachineResult {
	r := &run{data: data}
	state := StateUserRequest
	trace := []MachineState{state}

	for state != StateEnd && state != StateError {
		if len(trace) > maxTransitions {
			r.errMsg = "state machine exceeded transition limit"
			state = StateError
			break
		}
		next := m.step(ctx, r, state)
		if next == state {
			r.errMsg = fmt.Sprintf("state %s repeated itself", state)
			next = StateError
		}
		m.publishTransition(ctx, r, state, next)
		log.Printf("🧭 [FSM] %s -> %s", state, next)
		state = next
		trace = append(trace, state)
	}

	res := StateMachineResult{
		Success:    state == StateEnd,
		FinalState: state,
		Response:   r.response,
		Virtual:    r.virtual,
		Trace:      trace,
	}
	if state == StateError {
		if r.errMsg == "" {
			r.errMsg = "request failed"
		}
		res.Error = r.errMsg
	}
	return res
}

func (m *RequestStateMachine) step(ctx context.Context, r *run, state MachineState) MachineState {
	switch state {
	case StateUserRequest:
		return m.handleUserRequest(r)
	case StateMonoParse:
		return m.handleMonoParse(r)
	case StateRegexMatched:
		return m.handleRegexMatched(ctx, r)
	case StateAIPreprocess:
		return m.handleAIPreprocess(ctx, r)
	case StateIntentNewApp:
		return StateToolPreparation
	case StateIntentUpdateApp:
		return m.handleIntentUpdateApp(ctx, r)
	case StateDiagnoseError:
		return m.handleDiagnoseError(ctx, r)
	case StateVirtualResponse:
		return m.handleVirtualResponse(ctx, r)
	case StateToolPreparation:
		return m.handleToolPreparation(ctx, r)
	case StateToolAgent:
		return m.handleToolAgent(ctx, r)
	case StateAppGeneration:
		return m.handleAppGeneration(ctx, r)
	case StateAppReview:
		return m.handleAppReview(ctx, r)
	case StateAppVerification:
		return m.handleAppVerification(ctx, r)
	case StateAppReturned:
		return m.handleAppReturned(ctx, r)
	case StateLiveUpdating:
		return m.handleLiveUpdating(r)
	default:
		r.errMsg = fmt.Sprintf("unknown state %s", state)
		return StateError
	}
}

func (m *RequestStateMachine) handleUserRequest(r *run) MachineState {
	if r.data.Prompt == "" {
		r.data.Prompt = derivePrompt(r.data)
	}
	return StateMonoParse
}

// derivePrompt recovers the request text when the caller supplied none: body
// first, then query, then the URL-decoded path remainder.
func derivePrompt(data RequestData) string {
	for _, key := range []string{"prompt", "request", "text"} {
		if v, ok := data.Body[key].(string); ok && v != "" {
			return v
		}
	}
	if v := data.Query["prompt"]; v != "" {
		return v
	}
	p := strings.Trim(data.Path, "/")
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	return strings.ReplaceAll(p, "/", " ")
}

func (m *RequestStateMachine) handleMonoParse(r *run) MachineState {
	match := m.ladder.Match(r.data.Method, r.data.Path, r.data.Query, r.data.Body)
	if match == nil {
		return StateAIPreprocess
	}
	if _, ok := m.tools.GetTool(match.ToolName); !ok {
		log.Printf("🪜 [FSM] Ladder matched %s but no such tool, falling through", match.ToolName)
		return StateAIPreprocess
	}
	r.match = match
	return StateRegexMatched
}

func (m *RequestStateMachine) handleRegexMatched(ctx context.Context, r *run) MachineState {
	tool, _ := m.tools.GetTool(r.match.ToolName)
	result, err := m.executeToolWithRepair(ctx, tool, r.match.Args)
	if err != nil {
		r.errMsg = err.Error()
		return StateError
	}
	r.response = map[string]interface{}{"result": parseResult(result)}
	return StateEnd
}

// parseResult embeds tool stdout as structured JSON when it parses, raw
// string otherwise.
func parseResult(out string) interface{} {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v interface{}
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return out
}

func (m *RequestStateMachine) handleAIPreprocess(ctx context.Context, r *run) MachineState {
	metas, err := m.cache.GetSessionMeta(ctx, r.data.SessionID)
	if err != nil {
		log.Printf("⚠️ [FSM] Failed to load session apps: %v", err)
	}
	r.intent = m.planner.ClassifyIntent(ctx, r.data.Prompt, m.tools.GetAllTools(), metas)
	log.Printf("🤖 [FSM] Intent %s (tools=%v)", r.intent.Intent, r.intent.RequiredTools)

	switch r.intent.Intent {
	case IntentNewApp:
		return StateIntentNewApp
	case IntentUpdateApp:
		return StateIntentUpdateApp
	case IntentDiagnoseError:
		return StateDiagnoseError
	case IntentVirtualResponse:
		return StateVirtualResponse
	case IntentToolOnly:
		return StateToolPreparation
	default:
		r.errMsg = fmt.Sprintf("unroutable intent %q", r.intent.Intent)
		return StateError
	}
}

func (m *RequestStateMachine) handleIntentUpdateApp(ctx context.Context, r *run) MachineState {
	if r.intent.TargetAppID != "" {
		app, err := m.cache.GetFull(ctx, r.intent.TargetAppID)
		if err != nil {
			log.Printf("⚠️ [FSM] Failed to load app %s: %v", r.intent.TargetAppID, err)
		}
		r.targetApp = app
	}
	if r.targetApp == nil {
		log.Printf("⚠️ [FSM] Update requested but no cached app, generating fresh")
	}
	return StateToolPreparation
}

func (m *RequestStateMachine) handleDiagnoseError(ctx context.Context, r *run) MachineState {
	if r.intent.TargetAppID != "" {
		app, err := m.cache.GetFull(ctx, r.intent.TargetAppID)
		if err != nil {
			log.Printf("⚠️ [FSM] Failed to load app %s: %v", r.intent.TargetAppID, err)
		}
		r.targetApp = app
	}
	var depTools []*ToolDefinition
	if r.targetApp != nil {
		for _, name := range r.targetApp.ToolsUsed {
			if t, ok := m.tools.GetTool(name); ok {
				depTools = append(depTools, t)
			}
		}
	}

	diag := m.planner.DiagnoseAppError(ctx, r.data.Prompt, r.targetApp, depTools)
	if diag.Classification == "unknown" || r.targetApp == nil {
		r.response = map[string]interface{}{
			"diagnosis":      diag.Diagnosis,
			"classification": diag.Classification,
		}
		return StateEnd
	}
	r.resolvedTools = depTools
	r.feedback = append(r.feedback, "Diagnosed issue: "+diag.Diagnosis)
	return StateAppGeneration
}

func (m *RequestStateMachine) handleVirtualResponse(ctx context.Context, r *run) MachineState {
	vc, err := m.planner.GenerateVirtualContent(ctx, r.data.Prompt)
	if err != nil {
		r.errMsg = err.Error()
		return StateError
	}
	r.virtual = vc
	return StateEnd
}

// handleToolPreparation runs the bounded discovery loop: resolve the tools
// the classifier named, generate any missing one it described, then
// re-classify with the enlarged registry. Hitting the cap proceeds with
// whatever has been accumulated.
func (m *RequestStateMachine) handleToolPreparation(ctx context.Context, r *run) MachineState {
	seen := make(map[string]bool)
	for iter := 0; iter < m.limits.MaxToolDiscovery; iter++ {
		for _, name := range r.intent.RequiredTools {
			if seen[name] {
				continue
			}
			if tool, ok := m.tools.GetTool(name); ok {
				seen[name] = true
				r.resolvedTools = append(r.resolvedTools, tool)
			}
		}
		if r.intent.NewToolDescription == "" {
			break
		}

		tool, err := m.planner.GenerateTool(ctx, r.intent.NewToolDescription, m.tools.GetAllTools())
		if err != nil {
			r.errMsg = err.Error()
			return StateError
		}
		if err := m.tools.RegisterTool(ctx, tool); err != nil {
			r.errMsg = fmt.Sprintf("failed to register tool %s: %v", tool.Name, err)
			return StateError
		}
		if err := m.ladder.AddPattern(SuggestPattern(tool.Name, tool.APIEndpoint)); err != nil {
			log.Printf("⚠️ [FSM] Failed to add ladder pattern for %s: %v", tool.Name, err)
		}
		m.publishEvent(ctx, r, eventbus.TypeToolRegistered, eventbus.EventPayload{ToolName: tool.Name})
		if !seen[tool.Name] {
			seen[tool.Name] = true
			r.resolvedTools = append(r.resolvedTools, tool)
		}

		if iter == m.limits.MaxToolDiscovery-1 {
			log.Printf("⚠️ [FSM] Tool discovery cap reached, proceeding with %d tools", len(r.resolvedTools))
			break
		}
		metas, _ := m.cache.GetSessionMeta(ctx, r.data.SessionID)
		prev := r.intent
		r.intent = m.planner.ClassifyIntent(ctx, r.data.Prompt, m.tools.GetAllTools(), metas)
		// The routing decision was already made; only the tool list may grow.
		r.intent.Intent = prev.Intent
		r.intent.TargetAppID = prev.TargetAppID
	}

	if r.intent.Intent == IntentToolOnly {
		return StateToolAgent
	}
	return StateAppGeneration
}

func (m *RequestStateMachine) handleToolAgent(ctx context.Context, r *run) MachineState {
	if len(r.resolvedTools) == 0 {
		payload, _ := json.Marshal(map[string]interface{}{
			"status":  "error",
			"message": "no tool could be resolved for this request",
		})
		r.response = map[string]interface{}{"result": parseResult(string(payload))}
		return StateEnd
	}

	tool := r.resolvedTools[0]
	args := make(map[string]string)
	for k, v := range r.data.Query {
		args[k] = v
	}
	for k, v := range r.data.Body {
		if s, ok := v.(string); ok {
			args[k] = s
		}
	}

	result, err := m.executeToolWithRepair(ctx, tool, args)
	if err != nil {
		r.errMsg = err.Error()
		return StateError
	}
	r.response = map[string]interface{}{"result": parseResult(result)}
	return StateEnd
}

// executeToolWithRepair attempts execution up to MaxToolRetries+1 times,
// invoking repair between attempts. Exhaustion yields a structured error
// payload as the result rather than an error; the error return is reserved
// for the machinery itself breaking.
func (m *RequestStateMachine) executeToolWithRepair(ctx context.Context, tool *ToolDefinition, args map[string]string) (string, error) {
	var lastErr error
	attempts := 0
	for attempts < m.limits.MaxToolRetries+1 {
		attempts++
		out, err := m.tools.ExecuteTool(ctx, tool.Name, args)
		if err == nil {
			return out, nil
		}
		lastErr = err
		log.Printf("❌ [FSM] Tool %s attempt %d failed: %v", tool.Name, attempts, err)
		if attempts >= m.limits.MaxToolRetries+1 {
			break
		}

		fixable, repairErr := m.planner.RepairTool(ctx, tool, m.tools.GetLastCommand(), err.Error(), args)
		if repairErr != nil {
			log.Printf("⚠️ [FSM] Repair of %s failed: %v", tool.Name, repairErr)
			break
		}
		if !fixable {
			break
		}
		m.publishEvent(ctx, nil, eventbus.TypeToolRepaired, eventbus.EventPayload{ToolName: tool.Name})
		// A repair may have swapped the command template.
		if fresh, ok := m.tools.GetTool(tool.Name); ok {
			tool = fresh
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"status":       "error",
		"message":      lastErr.Error(),
		"last_command": m.tools.GetLastCommand(),
		"attempts":     attempts,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build error payload: %w", err)
	}
	return string(payload), nil
}

func (m *RequestStateMachine) handleAppGeneration(ctx context.Context, r *run) MachineState {
	r.generationAttempts++
	app, err := m.planner.GenerateApp(ctx, r.data.Prompt, r.resolvedTools, r.feedback, r.targetApp)
	if err != nil {
		r.errMsg = err.Error()
		return StateError
	}
	r.generated = app
	return StateAppReview
}

func (m *RequestStateMachine) handleAppReview(ctx context.Context, r *run) MachineState {
	rev := m.planner.ReviewApp(ctx, r.data.Prompt, r.generated.HTML)
	if rev.Passed {
		return StateAppVerification
	}
	if rev.CorrectedHTML != "" {
		log.Printf("📝 [FSM] Review supplied corrected HTML, skipping regeneration")
		r.generated.HTML = rev.CorrectedHTML
		return StateAppVerification
	}
	if r.generationAttempts < m.limits.MaxReviewAttempts {
		r.feedback = append(r.feedback, rev.Issues...)
		return StateAppGeneration
	}
	log.Printf("⚠️ [FSM] Review attempts exhausted after %d generations, proceeding", r.generationAttempts)
	return StateAppVerification
}

func (m *RequestStateMachine) handleAppVerification(ctx context.Context, r *run) MachineState {
	toolNames := make([]string, 0, len(r.resolvedTools))
	for _, t := range r.resolvedTools {
		toolNames = append(toolNames, t.Name)
	}
	v := m.planner.VerifyApp(ctx, r.data.Prompt, r.generated.HTML, toolNames)
	if v.Verified || r.generationAttempts >= m.limits.MaxVerifyAttempts {
		if !v.Verified {
			log.Printf("⚠️ [FSM] Verification attempts exhausted after %d generations, returning artifact", r.generationAttempts)
		}
		return StateAppReturned
	}
	r.feedback = append(r.feedback, v.Issues...)
	return StateAppGeneration
}

func (m *RequestStateMachine) handleAppReturned(ctx context.Context, r *run) MachineState {
	appID := "app_" + uuid.New().String()
	if r.targetApp != nil {
		appID = r.targetApp.ID
	}
	toolNames := make([]string, 0, len(r.resolvedTools))
	for _, t := range r.resolvedTools {
		toolNames = append(toolNames, t.Name)
	}

	app := &CachedApp{
		ID:             appID,
		SessionID:      r.data.SessionID,
		Title:          r.generated.Title,
		Prompt:         r.data.Prompt,
		IsLiveUpdating: r.generated.IsLiveUpdating,
		ToolsUsed:      toolNames,
		HTML:           r.generated.HTML,
		JS:             r.generated.JS,
		CSS:            r.generated.CSS,
	}
	if err := m.cache.Set(ctx, app); err != nil {
		log.Printf("⚠️ [FSM] Failed to cache app %s: %v", appID, err)
	}
	m.publishEvent(ctx, r, eventbus.TypeAppGenerated, eventbus.EventPayload{AppID: appID})

	r.targetApp = app
	r.response = map[string]interface{}{
		"appId":          appID,
		"title":          app.Title,
		"html":           app.HTML,
		"js":             app.JS,
		"css":            app.CSS,
		"isLiveUpdating": app.IsLiveUpdating,
		"toolsUsed":      toolNames,
	}
	if app.IsLiveUpdating {
		return StateLiveUpdating
	}
	return StateEnd
}

func (m *RequestStateMachine) handleLiveUpdating(r *run) MachineState {
	if m.TrackLiveApp != nil && r.targetApp != nil {
		m.TrackLiveApp(r.targetApp)
	}
	log.Printf("🔄 [FSM] App %s registered for live updates", r.targetApp.ID)
	return StateEnd
}

// HandlePoll reconciles the client's open app ids with the cache and returns
// the live apps refreshed inside the freshness window.
func (m *RequestStateMachine) HandlePoll(ctx context.Context, sessionID string, appIDs []string) (*PollResult, error) {
	removed, err := m.cache.RemoveStale(ctx, sessionID, appIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to evict stale apps: %w", err)
	}
	removedIDs := make([]string, 0, len(removed))
	for _, app := range removed {
		removedIDs = append(removedIDs, app.ID)
		m.publishEvent(ctx, nil, eventbus.TypeAppEvicted, eventbus.EventPayload{AppID: app.ID})
	}

	remaining, err := m.cache.GetSessionFull(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session apps: %w", err)
	}
	window := time.Duration(m.limits.PollFreshnessSeconds) * time.Second
	result := &PollResult{
		UpdatedApps:   []*CachedApp{},
		RemovedAppIDs: removedIDs,
		ActiveAppIDs:  []string{},
	}
	for _, app := range remaining {
		result.ActiveAppIDs = append(result.ActiveAppIDs, app.ID)
		if app.IsLiveUpdating && time.Since(app.LastUpdated) <= window {
			result.UpdatedApps = append(result.UpdatedApps, app)
		}
	}
	return result, nil
}

func (m *RequestStateMachine) publishTransition(ctx context.Context, r *run, from, to MachineState) {
	m.publishEvent(ctx, r, eventbus.TypeStateTransition, eventbus.EventPayload{
		FromState: string(from),
		ToState:   string(to),
	})
}

func (m *RequestStateMachine) publishEvent(ctx context.Context, r *run, eventType string, payload eventbus.EventPayload) {
	if m.bus == nil {
		return
	}
	evt := eventbus.DesktopEvent{
		EventID:   eventbus.NewEventID("evt_", time.Now()),
		Source:    "dispatcher",
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	if r != nil {
		evt.SessionID = r.data.SessionID
	}
	if err := m.bus.Publish(ctx, evt); err != nil {
		log.Printf("⚠️ [FSM] Event publish failed: %v", err)
	}
}
