package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// Intent classifications produced by the planner.
const (
	IntentNewApp          = "new_app"
	IntentUpdateApp       = "update_app"
	IntentToolOnly        = "tool_only"
	IntentDiagnoseError   = "diagnose_error"
	IntentVirtualResponse = "virtual_response"
)

// IntentResult is the classifier's answer for one request.
type IntentResult struct {
	Intent             string   `json:"intent"`
	RequiredTools      []string `json:"requiredTools"`
	NewToolDescription string   `json:"newToolDescription,omitempty"`
	TargetAppID        string   `json:"targetAppId,omitempty"`
	Reason             string   `json:"reason,omitempty"`
}

// GeneratedApp is the artifact produced by one generation pass.
type GeneratedApp struct {
	Title          string `json:"title"`
	HTML           string `json:"html"`
	JS             string `json:"js,omitempty"`
	CSS            string `json:"css,omitempty"`
	IsLiveUpdating bool   `json:"isLiveUpdating"`
}

// ReviewResult is the reviewer's verdict. CorrectedHTML, when present,
// replaces the artifact without another generation pass.
type ReviewResult struct {
	Passed        bool     `json:"passed"`
	Issues        []string `json:"issues,omitempty"`
	CorrectedHTML string   `json:"correctedHtml,omitempty"`
}

// VerifyResult is the verifier's verdict.
type VerifyResult struct {
	Verified bool     `json:"verified"`
	Issues   []string `json:"issues,omitempty"`
}

// Diagnosis classifies a user bug report against a cached app.
type Diagnosis struct {
	Classification string `json:"classification"` // app_code, tool_code, both, unknown
	Diagnosis      string `json:"diagnosis"`
	ToolFixes      []struct {
		Name string `json:"name"`
		Code string `json:"code"`
	} `json:"toolFixes,omitempty"`
}

// VirtualContent is raw generated content delivered without caching an app.
type VirtualContent struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename,omitempty"`
}

type repairReply struct {
	Fixable     bool   `json:"fixable"`
	NewCode     string `json:"newCode,omitempty"`
	NewCommand  string `json:"newCommand,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// AIPlanner wraps every model task the state machine needs. Replies are
// free text; the single JSON span inside is located with a bracket-balance
// scan and parsed, with per-task fallbacks on failure.
type AIPlanner struct {
	llm   LLMChat
	tools *ToolManager
}

func NewAIPlanner(llm LLMChat, tools *ToolManager) *AIPlanner {
	return &AIPlanner{llm: llm, tools: tools}
}

func (p *AIPlanner) chatJSON(ctx context.Context, prompt string, out interface{}) error {
	reply, err := p.llm.Chat(ctx, prompt)
	if err != nil {
		return err
	}
	span, err := ExtractJSON(reply)
	if err != nil {
		return fmt.Errorf("no JSON in model reply: %w", err)
	}
	if err := json.Unmarshal([]byte(span), out); err != nil {
		return fmt.Errorf("failed to parse model reply: %w", err)
	}
	return nil
}

func toolCatalog(tools []*ToolDefinition) string {
	if len(tools) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s (endpoint %s)\n", t.Name, t.Description, t.APIEndpoint)
	}
	return b.String()
}

func appCatalog(apps []*CachedAppMeta) string {
	if len(apps) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, a := range apps {
		fmt.Fprintf(&b, "- %s: %q (live=%v, tools=%s)\n", a.ID, a.Prompt, a.IsLiveUpdating, strings.Join(a.ToolsUsed, ","))
	}
	return b.String()
}

// ClassifyIntent maps a free-text request onto one of the five intents plus
// a required-tool list. Reusing an existing tool over requesting a new one is
// a prompt instruction only, so callers must tolerate the model ignoring it.
// Parse failures fall back to virtual_response.
func (p *AIPlanner) ClassifyIntent(ctx context.Context, request string, tools []*ToolDefinition, apps []*CachedAppMeta) *IntentResult {
	prompt := fmt.Sprintf(`Determine the user's intent for this request.

Request: %q

Existing tools (ALWAYS prefer reusing one of these over asking for a new tool):
%s
Existing apps:
%s
Answer with JSON only:
{"intent": "new_app|update_app|tool_only|diagnose_error|virtual_response",
 "requiredTools": ["existing tool names the request needs"],
 "newToolDescription": "only if no existing tool can serve, describe the missing tool",
 "targetAppId": "only for update_app/diagnose_error",
 "reason": "one sentence"}`, request, toolCatalog(tools), appCatalog(apps))

	var out IntentResult
	if err := p.chatJSON(ctx, prompt, &out); err != nil {
		log.Printf("⚠️ [PLANNER] Intent classification unparseable, falling back to virtual_response: %v", err)
		return &IntentResult{Intent: IntentVirtualResponse, Reason: "classifier output unparseable"}
	}
	switch out.Intent {
	case IntentNewApp, IntentUpdateApp, IntentToolOnly, IntentDiagnoseError, IntentVirtualResponse:
	default:
		log.Printf("⚠️ [PLANNER] Unknown intent %q, treating as virtual_response", out.Intent)
		out.Intent = IntentVirtualResponse
	}
	return &out
}

// GenerateTool asks the model for a complete tool definition. A parse failure
// gets one concise retry; a second failure is an error, not a fallback.
func (p *AIPlanner) GenerateTool(ctx context.Context, description string, existing []*ToolDefinition) (*ToolDefinition, error) {
	prompt := fmt.Sprintf(`Write a new command-line tool for this need: %s

Existing tools for reference:
%s
Answer with JSON only:
{"name": "snake_case_name", "description": "...",
 "apiEndpoint": "/api/mono/<name>",
 "command": "python3 tools/<name>.py --arg {arg}",
 "responseType": "string|json", "usage": "...",
 "language": "python", "pipPackages": [],
 "code": "the full script source"}`, description, toolCatalog(existing))

	var tool ToolDefinition
	err := p.chatJSON(ctx, prompt, &tool)
	if err != nil {
		log.Printf("⚠️ [PLANNER] Tool generation parse failed, retrying concisely: %v", err)
		err = p.chatJSON(ctx, prompt+"\n\nBe concise: output only the JSON object, nothing else.", &tool)
	}
	if err != nil {
		return nil, fmt.Errorf("tool generation failed: %w", err)
	}
	if tool.Name == "" || tool.Command == "" {
		return nil, fmt.Errorf("tool generation returned incomplete definition")
	}
	return &tool, nil
}

// RepairTool shows the model a failing command with the tool's on-disk source
// and applies whatever fix it supplies. Returns whether the tool is worth
// retrying.
func (p *AIPlanner) RepairTool(ctx context.Context, tool *ToolDefinition, failedCommand, execErr string, args map[string]string) (bool, error) {
	source, err := p.tools.ReadToolScript(tool.Name)
	if err != nil {
		source = "(script unreadable: " + err.Error() + ")"
	}
	argsJSON, _ := json.Marshal(args)

	prompt := fmt.Sprintf(`The tool %q failed to execute. Fix it.

Command template: %s
Executed command: %s
Args: %s
Error: %s

Current script source:
%s

Answer with JSON only:
{"fixable": true|false,
 "newCode": "full corrected script, or omit if the script is fine",
 "newCommand": "corrected command template, or omit",
 "explanation": "one sentence"}`,
		tool.Name, tool.Command, failedCommand, argsJSON, execErr, source)

	var fix repairReply
	if err := p.chatJSON(ctx, prompt, &fix); err != nil {
		return false, fmt.Errorf("repair reply unparseable: %w", err)
	}
	if !fix.Fixable {
		log.Printf("🔧 [PLANNER] Tool %s reported unfixable: %s", tool.Name, fix.Explanation)
		return false, nil
	}
	if fix.NewCode != "" {
		if err := p.tools.WriteToolScript(tool.Name, sanitizeCode(fix.NewCode)); err != nil {
			return false, fmt.Errorf("failed to write repaired script: %w", err)
		}
	}
	if fix.NewCommand != "" && fix.NewCommand != tool.Command {
		tool.Command = fix.NewCommand
		if err := p.tools.RegisterTool(ctx, tool); err != nil {
			return false, fmt.Errorf("failed to re-register repaired tool: %w", err)
		}
	}
	log.Printf("🔧 [PLANNER] Tool %s repaired: %s", tool.Name, fix.Explanation)
	return true, nil
}

// DiagnoseAppError classifies a user bug report against a cached app. Model
// tool fixes are written to disk immediately. Parse failures come back as
// classification unknown.
func (p *AIPlanner) DiagnoseAppError(ctx context.Context, report string, app *CachedApp, tools []*ToolDefinition) *Diagnosis {
	appHTML := "(no cached app)"
	if app != nil {
		appHTML = app.HTML
	}
	prompt := fmt.Sprintf(`A user reports a problem with a generated widget. Diagnose it.

Report: %q

Widget HTML:
%s

Tools the widget depends on:
%s
Answer with JSON only:
{"classification": "app_code|tool_code|both|unknown",
 "diagnosis": "what is wrong and how to fix it",
 "toolFixes": [{"name": "tool_name", "code": "full corrected script"}]}`,
		report, truncate(appHTML, 6000), toolCatalog(tools))

	var d Diagnosis
	if err := p.chatJSON(ctx, prompt, &d); err != nil {
		log.Printf("⚠️ [PLANNER] Diagnosis unparseable: %v", err)
		return &Diagnosis{Classification: "unknown", Diagnosis: "Unable to diagnose the reported issue."}
	}
	for _, fix := range d.ToolFixes {
		if fix.Name == "" || fix.Code == "" {
			continue
		}
		if err := p.tools.WriteToolScript(fix.Name, sanitizeCode(fix.Code)); err != nil {
			log.Printf("⚠️ [PLANNER] Failed to apply fix for tool %s: %v", fix.Name, err)
		} else {
			log.Printf("🔧 [PLANNER] Applied diagnosed fix to tool %s", fix.Name)
		}
	}
	return &d
}

// GenerateApp runs one generation pass. Feedback from prior review or
// verification passes is appended so the model sees earlier failure reasons.
func (p *AIPlanner) GenerateApp(ctx context.Context, request string, tools []*ToolDefinition, feedback []string, prior *CachedApp) (*GeneratedApp, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a responsive HTML widget for this request: %q\n\n", request)
	fmt.Fprintf(&b, "Tools the widget may call via fetch(apiEndpoint):\n%s\n", toolCatalog(tools))
	if prior != nil {
		fmt.Fprintf(&b, "This updates an existing widget. Current HTML:\n%s\n\n", truncate(prior.HTML, 6000))
	}
	if len(feedback) > 0 {
		fmt.Fprintf(&b, "Earlier attempts failed for these reasons, fix them:\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	b.WriteString(`Answer with JSON only:
{"title": "...", "html": "complete self-contained HTML body",
 "js": "", "css": "", "isLiveUpdating": false}`)

	var app GeneratedApp
	if err := p.chatJSON(ctx, b.String(), &app); err != nil {
		return nil, fmt.Errorf("app generation failed: %w", err)
	}
	if app.HTML == "" {
		return nil, fmt.Errorf("app generation returned empty html")
	}
	app.HTML = sanitizeCode(app.HTML)
	return &app, nil
}

// ReviewApp checks an artifact for obvious defects. Fails open: an
// unparseable review passes.
func (p *AIPlanner) ReviewApp(ctx context.Context, request, html string) *ReviewResult {
	prompt := fmt.Sprintf(`Review the following widget HTML against the user's request.

Request: %q

HTML:
%s

Answer with JSON only:
{"passed": true|false,
 "issues": ["each concrete defect"],
 "correctedHtml": "full corrected HTML if the fix is trivial, else omit"}`,
		request, truncate(html, 8000))

	var rev ReviewResult
	if err := p.chatJSON(ctx, prompt, &rev); err != nil {
		log.Printf("⚠️ [PLANNER] Review unparseable, passing: %v", err)
		return &ReviewResult{Passed: true}
	}
	if rev.CorrectedHTML != "" {
		rev.CorrectedHTML = sanitizeCode(rev.CorrectedHTML)
	}
	return &rev
}

// VerifyApp checks the artifact against the original request and its tool
// list. Fails open: an unparseable verdict counts as verified.
func (p *AIPlanner) VerifyApp(ctx context.Context, request, html string, toolsUsed []string) *VerifyResult {
	prompt := fmt.Sprintf(`Verify that the widget fulfils the user's request.

Request: %q
Tools it may call: %s

HTML:
%s

Answer with JSON only:
{"verified": true|false, "issues": ["each unmet requirement"]}`,
		request, strings.Join(toolsUsed, ", "), truncate(html, 8000))

	var v VerifyResult
	if err := p.chatJSON(ctx, prompt, &v); err != nil {
		log.Printf("⚠️ [PLANNER] Verification unparseable, accepting: %v", err)
		return &VerifyResult{Verified: true}
	}
	return &v
}

// GenerateVirtualContent produces raw content for requests that want a file
// or report rather than a persistent app. One retry on parse failure, then
// the raw model text is returned as plain text.
func (p *AIPlanner) GenerateVirtualContent(ctx context.Context, request string) (*VirtualContent, error) {
	prompt := fmt.Sprintf(`Generate the content this request asks for directly.

Request: %q

Answer with JSON only:
{"content": "the full generated content",
 "contentType": "a MIME type like text/plain, text/csv, text/html",
 "filename": "suggested download name, or omit"}`, request)

	var vc VirtualContent
	err := p.chatJSON(ctx, prompt, &vc)
	if err != nil {
		log.Printf("⚠️ [PLANNER] Virtual content parse failed, retrying: %v", err)
		err = p.chatJSON(ctx, prompt+"\n\nOutput only the JSON object.", &vc)
	}
	if err != nil {
		reply, chatErr := p.llm.Chat(ctx, request)
		if chatErr != nil {
			return nil, fmt.Errorf("virtual content generation failed: %w", chatErr)
		}
		return &VirtualContent{Content: reply, ContentType: "text/plain"}, nil
	}
	if vc.ContentType == "" {
		vc.ContentType = "text/plain"
	}
	return &vc, nil
}
