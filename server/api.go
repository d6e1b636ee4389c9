package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// APIServer is the HTTP boundary in front of the dispatcher.
type APIServer struct {
	cfg      *ServerConfig
	machine  *RequestStateMachine
	tools    *ToolManager
	ladder   *RegexLadder
	cache    *AppCache
	sessions *SessionManager
	loop     *BackgroundLoop
}

func NewAPIServer(cfg *ServerConfig, machine *RequestStateMachine, tools *ToolManager, ladder *RegexLadder, cache *AppCache, sessions *SessionManager, loop *BackgroundLoop) *APIServer {
	return &APIServer{
		cfg:      cfg,
		machine:  machine,
		tools:    tools,
		ladder:   ladder,
		cache:    cache,
		sessions: sessions,
		loop:     loop,
	}
}

func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/poll", s.handlePoll).Methods("POST")
	api.HandleFunc("/desktop", s.handleDesktop).Methods("POST")
	api.HandleFunc("/tools", s.handleListTools).Methods("GET")
	api.HandleFunc("/tools", s.handleRegisterTool).Methods("POST")
	api.HandleFunc("/tools/{name}", s.handleDeleteTool).Methods("DELETE")
	api.HandleFunc("/tools/{name}/invoke", s.handleInvokeTool).Methods("POST")
	api.HandleFunc("/apps/{id}", s.handleGetApp).Methods("GET")
	api.HandleFunc("/sessions/{id}/apps", s.handleSessionApps).Methods("GET")
	api.HandleFunc("/patterns", s.handleListPatterns).Methods("GET")

	// The mono endpoint accepts any method and any remaining path.
	r.PathPrefix(s.cfg.APIRoot).HandlerFunc(s.handleMono)

	return r
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Printf("⚠️ [API] Failed to encode response: %v", err)
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveSessionID checks the header, then the query string, then the body.
func resolveSessionID(r *http.Request, body map[string]interface{}) string {
	if id := r.Header.Get("X-Session-Id"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	if id, ok := body["sessionId"].(string); ok {
		return id
	}
	return ""
}

func decodeBody(r *http.Request) map[string]interface{} {
	body := map[string]interface{}{}
	if r.Body == nil {
		return body
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return map[string]interface{}{}
	}
	return body
}

func flattenQuery(r *http.Request) map[string]string {
	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	return query
}

func (s *APIServer) handleMono(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	data := RequestData{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     flattenQuery(r),
		Body:      body,
		SessionID: resolveSessionID(r, body),
	}

	result := s.machine.Process(r.Context(), data)
	if !result.Success {
		s.writeError(w, http.StatusInternalServerError, result.Error)
		return
	}
	if result.Virtual != nil {
		vc := result.Virtual
		w.Header().Set("Content-Type", vc.ContentType)
		if vc.Filename != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", vc.Filename))
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(vc.Content)); err != nil {
			log.Printf("⚠️ [API] Failed to stream virtual content: %v", err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, result.Response)
}

func (s *APIServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string   `json:"sessionId"`
		AppIDs    []string `json:"appIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid poll request: "+err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get("X-Session-Id")
	}
	result, err := s.machine.HandlePoll(r.Context(), req.SessionID, req.AppIDs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type desktopRequest struct {
	Intent   string            `json:"intent"`
	WidgetID string            `json:"widgetId,omitempty"`
	Title    string            `json:"title,omitempty"`
	Prompt   string            `json:"prompt,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

func (s *APIServer) handleDesktop(w http.ResponseWriter, r *http.Request) {
	raw := decodeBody(r)
	sessionID := resolveSessionID(r, raw)

	data, _ := json.Marshal(raw)
	var req desktopRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid desktop request: "+err.Error())
		return
	}

	session, err := s.sessions.GetOrCreate(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch req.Intent {
	case "create_widget":
		s.desktopCreateWidget(w, r, session.ID, &req)
	case "close_widget":
		s.desktopCloseWidget(w, r, session.ID, &req)
	case "context_sync":
		s.desktopContextSync(w, r, session.ID, &req)
	case "hydrate_widget":
		s.desktopHydrateWidget(w, r, session.ID, &req)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown desktop intent %q", req.Intent))
	}
}

func (s *APIServer) desktopCreateWidget(w http.ResponseWriter, r *http.Request, sessionID string, req *desktopRequest) {
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "create_widget requires a prompt")
		return
	}
	result := s.machine.Process(r.Context(), RequestData{
		Method:    "POST",
		Path:      s.cfg.APIRoot + "/desktop",
		Query:     map[string]string{},
		Body:      map[string]interface{}{"prompt": req.Prompt},
		Prompt:    req.Prompt,
		SessionID: sessionID,
	})

	notice := ""
	widget := &Widget{ID: uuid.New().String(), Title: req.Title}
	switch {
	case !result.Success:
		notice = "Widget creation failed: " + result.Error
		widget = nil
	case result.Virtual != nil:
		notice = truncate(result.Virtual.Content, 2000)
		widget = nil
	default:
		if appID, ok := result.Response["appId"].(string); ok {
			widget.AppID = appID
			if live, ok := result.Response["isLiveUpdating"].(bool); ok {
				widget.LiveUpdating = live
			}
			if widget.Title == "" {
				if title, ok := result.Response["title"].(string); ok {
					widget.Title = title
				}
			}
		} else {
			// Tool-only results have no app to pin a widget on.
			if payload, err := json.Marshal(result.Response); err == nil {
				notice = truncate(string(payload), 2000)
			}
			widget = nil
		}
	}

	if widget != nil {
		if err := s.sessions.UpsertWidget(r.Context(), sessionID, widget); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if widget.LiveUpdating && s.loop != nil {
			if app, err := s.cache.GetFull(r.Context(), widget.AppID); err == nil && app != nil {
				s.loop.TrackWidget(app, widget.ID)
			}
		}
	}
	s.writeDesktopState(w, r.Context(), sessionID, notice)
}

func (s *APIServer) desktopCloseWidget(w http.ResponseWriter, r *http.Request, sessionID string, req *desktopRequest) {
	if req.WidgetID == "" {
		s.writeError(w, http.StatusBadRequest, "close_widget requires widgetId")
		return
	}
	if state, err := s.sessions.BuildState(r.Context(), sessionID, ""); err == nil {
		for _, wdg := range state.Widgets {
			if wdg.ID == req.WidgetID && wdg.AppID != "" && s.loop != nil {
				s.loop.Untrack(wdg.AppID)
			}
		}
	}
	if err := s.sessions.RemoveWidget(r.Context(), sessionID, req.WidgetID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeDesktopState(w, r.Context(), sessionID, "")
}

func (s *APIServer) desktopContextSync(w http.ResponseWriter, r *http.Request, sessionID string, req *desktopRequest) {
	if len(req.Context) > 0 {
		if err := s.sessions.MergeContext(r.Context(), sessionID, req.Context); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.writeDesktopState(w, r.Context(), sessionID, "")
}

func (s *APIServer) desktopHydrateWidget(w http.ResponseWriter, r *http.Request, sessionID string, req *desktopRequest) {
	if req.WidgetID == "" {
		s.writeError(w, http.StatusBadRequest, "hydrate_widget requires widgetId")
		return
	}
	state, err := s.sessions.BuildState(r.Context(), sessionID, "")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, wdg := range state.Widgets {
		if wdg.ID != req.WidgetID {
			continue
		}
		resp := map[string]interface{}{"widget": wdg}
		if wdg.AppID != "" {
			app, err := s.cache.GetFull(r.Context(), wdg.AppID)
			if err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if app != nil {
				resp["html"] = app.HTML
				resp["js"] = app.JS
				resp["css"] = app.CSS
				resp["isLiveUpdating"] = app.IsLiveUpdating
			}
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	s.writeError(w, http.StatusNotFound, "unknown widget "+req.WidgetID)
}

func (s *APIServer) writeDesktopState(w http.ResponseWriter, ctx context.Context, sessionID, notice string) {
	state, err := s.sessions.BuildState(ctx, sessionID, notice)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *APIServer) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.tools.GetAllTools()
	out := make([]*ToolDefinition, len(tools))
	copy(out, tools)
	for i, t := range out {
		clone := *t
		clone.Code = ""
		out[i] = &clone
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tools": out, "count": len(out)})
}

func (s *APIServer) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var tool ToolDefinition
	if err := json.NewDecoder(r.Body).Decode(&tool); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid tool definition: "+err.Error())
		return
	}
	if tool.Name == "" || tool.Command == "" {
		s.writeError(w, http.StatusBadRequest, "tool requires name and command")
		return
	}
	if err := s.tools.RegisterTool(r.Context(), &tool); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tool.APIEndpoint != "" {
		if err := s.ladder.AddPattern(SuggestPattern(tool.Name, tool.APIEndpoint)); err != nil {
			log.Printf("⚠️ [API] Failed to add pattern for %s: %v", tool.Name, err)
		}
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "registered", "name": tool.Name})
}

func (s *APIServer) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.tools.GetTool(name); !ok {
		s.writeError(w, http.StatusNotFound, "unknown tool "+name)
		return
	}
	if err := s.tools.RemoveTool(name); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.ladder.RemovePattern(name); err != nil {
		log.Printf("⚠️ [API] Failed to remove patterns for %s: %v", name, err)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": name})
}

func (s *APIServer) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req struct {
		Args map[string]string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid invoke request: "+err.Error())
		return
	}
	if _, ok := s.tools.GetTool(name); !ok {
		s.writeError(w, http.StatusNotFound, "unknown tool "+name)
		return
	}
	out, err := s.tools.ExecuteTool(r.Context(), name, req.Args)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"result": parseResult(out)})
}

func (s *APIServer) handleGetApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.cache.GetMeta(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if meta == nil {
		s.writeError(w, http.StatusNotFound, "unknown app "+id)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("full"), "true") {
		app, err := s.cache.GetFull(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, app)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *APIServer) handleSessionApps(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	metas, err := s.cache.GetSessionMeta(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"apps": metas, "count": len(metas)})
}

func (s *APIServer) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := s.ladder.Patterns()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"patterns": patterns, "count": len(patterns)})
}
