package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RegexPattern is one fast-path routing rule. Patterns are evaluated in
// ascending priority order, first match wins.
type RegexPattern struct {
	Pattern     string            `json:"pattern"`
	ToolName    string            `json:"toolName"` // literal or $N backreference
	Method      string            `json:"method"`   // GET/POST/PUT/DELETE or *
	ArgMapping  map[string]string `json:"argMapping"` // capture group index -> arg name
	Priority    int               `json:"priority"`
	Description string            `json:"description,omitempty"`
}

type compiledPattern struct {
	RegexPattern
	re *regexp.Regexp
}

// LadderMatch is the result of a fast-path hit.
type LadderMatch struct {
	ToolName string
	Args     map[string]string
	Pattern  RegexPattern
}

// RegexLadder maps requests straight to tool invocations, bypassing the
// model. The pattern list is persisted as one JSON document, loaded at
// startup and rewritten wholesale on every mutation.
type RegexLadder struct {
	persistPath string

	mu       sync.RWMutex
	patterns []compiledPattern
}

func NewRegexLadder(persistPath string) (*RegexLadder, error) {
	l := &RegexLadder{persistPath: persistPath}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *RegexLadder) load() error {
	data, err := os.ReadFile(l.persistPath)
	if os.IsNotExist(err) {
		l.patterns = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pattern file: %w", err)
	}

	var raw []RegexPattern
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse pattern file: %w", err)
	}
	compiled := make([]compiledPattern, 0, len(raw))
	for _, p := range raw {
		cp, err := compile(p)
		if err != nil {
			log.Printf("⚠️ [LADDER] Skipping bad pattern %q: %v", p.Pattern, err)
			continue
		}
		compiled = append(compiled, cp)
	}
	l.patterns = compiled
	l.sortLocked()
	log.Printf("🪜 [LADDER] Loaded %d patterns", len(l.patterns))
	return nil
}

func compile(p RegexPattern) (compiledPattern, error) {
	re, err := regexp.Compile("(?i)" + p.Pattern)
	if err != nil {
		return compiledPattern{}, err
	}
	return compiledPattern{RegexPattern: p, re: re}, nil
}

func (l *RegexLadder) sortLocked() {
	sort.SliceStable(l.patterns, func(i, j int) bool {
		return l.patterns[i].Priority < l.patterns[j].Priority
	})
}

func (l *RegexLadder) persistLocked() error {
	out := make([]RegexPattern, len(l.patterns))
	for i, p := range l.patterns {
		out[i] = p.RegexPattern
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(l.persistPath, data, 0o644)
}

// Match evaluates the ladder against a request. The first pattern whose
// regex matches the path wins; there is no backtracking to lower-priority
// alternates, even if the resolved tool turns out to be missing. The caller
// re-checks tool existence and falls through to the slow path itself.
func (l *RegexLadder) Match(method, path string, query map[string]string, body map[string]interface{}) *LadderMatch {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, p := range l.patterns {
		if p.Method != "" && p.Method != "*" && !strings.EqualFold(p.Method, method) {
			continue
		}
		m := p.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}

		toolName := p.ToolName
		if strings.HasPrefix(toolName, "$") {
			if idx, err := strconv.Atoi(toolName[1:]); err == nil && idx < len(m) && m[idx] != "" {
				toolName = m[idx]
			}
			// An unresolvable backreference keeps the literal placeholder;
			// the caller will fail to find the tool and fall through.
		}

		args := make(map[string]string)
		for groupIdx, argName := range p.ArgMapping {
			idx, err := strconv.Atoi(groupIdx)
			if err != nil || idx >= len(m) || m[idx] == "" {
				continue
			}
			value := m[idx]
			if decoded, err := url.PathUnescape(value); err == nil {
				value = decoded
			}
			args[argName] = value
		}
		for k, v := range query {
			args[k] = v
		}
		for k, v := range body {
			if s, ok := v.(string); ok {
				args[k] = s
			} else if v != nil {
				args[k] = fmt.Sprintf("%v", v)
			}
		}

		log.Printf("🪜 [LADDER] Matched %s for %s %s", toolName, method, path)
		return &LadderMatch{ToolName: toolName, Args: args, Pattern: p.RegexPattern}
	}
	return nil
}

// AddPattern registers a pattern, replacing any prior pattern for the same
// tool, and persists the list synchronously.
func (l *RegexLadder) AddPattern(p RegexPattern) error {
	if p.Priority == 0 {
		p.Priority = 50
	}
	if p.Method == "" {
		p.Method = "*"
	}
	cp, err := compile(p)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", p.Pattern, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.patterns[:0]
	for _, existing := range l.patterns {
		if existing.ToolName != p.ToolName {
			kept = append(kept, existing)
		}
	}
	l.patterns = append(kept, cp)
	l.sortLocked()
	return l.persistLocked()
}

// RemovePattern drops every pattern bound to the tool name.
func (l *RegexLadder) RemovePattern(toolName string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	before := len(l.patterns)
	kept := l.patterns[:0]
	for _, p := range l.patterns {
		if p.ToolName != toolName {
			kept = append(kept, p)
		}
	}
	l.patterns = kept
	if len(l.patterns) == before {
		return false, nil
	}
	return true, l.persistLocked()
}

// Patterns returns a snapshot of the rule list.
func (l *RegexLadder) Patterns() []RegexPattern {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]RegexPattern, len(l.patterns))
	for i, p := range l.patterns {
		out[i] = p.RegexPattern
	}
	return out
}

// SuggestPattern derives a ladder rule from a tool's endpoint, used when the
// planner registers a freshly generated tool.
func SuggestPattern(toolName, apiEndpoint string) RegexPattern {
	return RegexPattern{
		Pattern:    "^" + regexp.QuoteMeta(apiEndpoint) + `(?:\?.*)?$`,
		ToolName:   toolName,
		Method:     "*",
		ArgMapping: map[string]string{},
		Priority:   50,
	}
}
