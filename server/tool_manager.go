package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// ToolDefinition is a reusable capability: a script on disk invoked through
// an argument-templated command line.
type ToolDefinition struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	APIEndpoint    string   `json:"apiEndpoint"`
	Command        string   `json:"command"`
	ResponseType   string   `json:"responseType"` // string | list | json
	ResponseSample string   `json:"responseSample,omitempty"`
	Usage          string   `json:"usage,omitempty"`
	Language       string   `json:"language,omitempty"` // python | shell
	PipPackages    []string `json:"pip_packages,omitempty"`
	Code           string   `json:"code,omitempty"`
}

// CommandRunner executes a fully substituted command line. Split out so the
// repair/retry paths can be tested without spawning subprocesses.
type CommandRunner interface {
	Run(ctx context.Context, command string, dir string) (stdout string, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, command string, dir string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

// ToolManager persists and executes tools. The index is a markdown document
// keyed by tool name; each tool's script lives as one file under tools/.
type ToolManager struct {
	dataDir   string
	toolsDir  string
	indexPath string
	runner    CommandRunner

	mu          sync.RWMutex
	tools       map[string]*ToolDefinition
	lastCommand string
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

func NewToolManager(dataDir string) (*ToolManager, error) {
	tm := &ToolManager{
		dataDir:   dataDir,
		toolsDir:  filepath.Join(dataDir, "tools"),
		indexPath: filepath.Join(dataDir, "tools.md"),
		runner:    execRunner{},
		tools:     make(map[string]*ToolDefinition),
	}
	if err := os.MkdirAll(tm.toolsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tools dir: %w", err)
	}
	if err := tm.loadIndex(); err != nil {
		return nil, err
	}
	log.Printf("🔧 [TOOLS] Loaded %d tools from %s", len(tm.tools), tm.indexPath)
	return tm, nil
}

// SetRunner replaces the subprocess runner (tests).
func (tm *ToolManager) SetRunner(r CommandRunner) { tm.runner = r }

func (tm *ToolManager) loadIndex() error {
	data, err := os.ReadFile(tm.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tool index: %w", err)
	}

	lineRe := regexp.MustCompile(`- \*\*(.*?)\*\*: (.*)`)
	for _, section := range strings.Split(string(data), "\n## ")[0:] {
		section = strings.TrimPrefix(strings.TrimSpace(section), "## ")
		lines := strings.Split(section, "\n")
		if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
			continue
		}
		tool := &ToolDefinition{Name: strings.TrimSpace(lines[0])}
		for _, line := range lines[1:] {
			m := lineRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			value := strings.TrimSpace(m[2])
			switch strings.ToLower(m[1]) {
			case "description":
				tool.Description = value
			case "api endpoint":
				tool.APIEndpoint = value
			case "command":
				tool.Command = strings.Trim(value, "`")
			case "response type":
				tool.ResponseType = strings.ToLower(value)
			case "response sample":
				tool.ResponseSample = value
			case "usage":
				tool.Usage = value
			case "language":
				tool.Language = strings.ToLower(value)
			case "pip packages":
				if value != "" {
					tool.PipPackages = strings.Split(value, ",")
					for i := range tool.PipPackages {
						tool.PipPackages[i] = strings.TrimSpace(tool.PipPackages[i])
					}
				}
			}
		}
		if tool.Name != "" && tool.Command != "" {
			tm.tools[tool.Name] = tool
		}
	}
	return nil
}

func (tm *ToolManager) GetTool(name string) (*ToolDefinition, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.tools[name]
	return t, ok
}

func (tm *ToolManager) GetAllTools() []*ToolDefinition {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*ToolDefinition, 0, len(tm.tools))
	for _, t := range tm.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterTool persists the tool's script and index record. Re-registering
// an existing name overwrites both in place.
func (tm *ToolManager) RegisterTool(ctx context.Context, tool *ToolDefinition) error {
	if tool.Name == "" || tool.Command == "" {
		return fmt.Errorf("tool needs a name and a command")
	}
	if tool.Language == "" {
		tool.Language = "python"
	}
	if tool.ResponseType == "" {
		tool.ResponseType = "string"
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tool.Code != "" {
		path := tm.scriptPathLocked(tool)
		if err := writeFileAtomic(path, []byte(tool.Code), 0o644); err != nil {
			return fmt.Errorf("failed to write tool script: %w", err)
		}
		if tool.Language == "shell" {
			if err := os.Chmod(path, 0o755); err != nil {
				return fmt.Errorf("failed to chmod tool script: %w", err)
			}
		}
	}

	tm.tools[tool.Name] = tool
	if err := tm.writeIndexLocked(); err != nil {
		return err
	}

	// Best-effort dependency install; a missing package surfaces later as
	// an execution failure the repair flow can act on.
	if len(tool.PipPackages) > 0 {
		install := "pip3 install --quiet " + strings.Join(tool.PipPackages, " ")
		if _, stderr, err := tm.runner.Run(ctx, install, tm.dataDir); err != nil {
			log.Printf("⚠️ [TOOLS] pip install for %s failed: %v (%s)", tool.Name, err, truncate(stderr, 200))
		}
	}

	log.Printf("✅ [TOOLS] Registered tool: %s (%s)", tool.Name, tool.Language)
	return nil
}

// RemoveTool deletes the tool from the registry and its script from disk.
func (tm *ToolManager) RemoveTool(name string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tool, ok := tm.tools[name]
	if !ok {
		return fmt.Errorf("tool %s not found", name)
	}
	delete(tm.tools, name)
	_ = os.Remove(tm.scriptPathLocked(tool))
	return tm.writeIndexLocked()
}

func (tm *ToolManager) scriptPathLocked(tool *ToolDefinition) string {
	ext := ".sh"
	if tool.Language == "python" {
		ext = ".py"
	}
	return filepath.Join(tm.toolsDir, tool.Name+ext)
}

// ScriptPath returns the on-disk location of a tool's script (repair flows
// read and rewrite it).
func (tm *ToolManager) ScriptPath(name string) (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	tool, ok := tm.tools[name]
	if !ok {
		return "", false
	}
	return tm.scriptPathLocked(tool), true
}

// ReadToolScript returns the tool's current script source.
func (tm *ToolManager) ReadToolScript(name string) (string, error) {
	path, ok := tm.ScriptPath(name)
	if !ok {
		return "", fmt.Errorf("tool %s not found", name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteToolScript overwrites the tool's script source on disk.
func (tm *ToolManager) WriteToolScript(name, code string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tool, ok := tm.tools[name]
	if !ok {
		return fmt.Errorf("tool %s not found", name)
	}
	tool.Code = code
	path := tm.scriptPathLocked(tool)
	if err := writeFileAtomic(path, []byte(code), 0o644); err != nil {
		return err
	}
	if tool.Language == "shell" {
		return os.Chmod(path, 0o755)
	}
	return nil
}

func (tm *ToolManager) writeIndexLocked() error {
	names := make([]string, 0, len(tm.tools))
	for name := range tm.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("# Tool Index\n")
	for _, name := range names {
		t := tm.tools[name]
		b.WriteString(fmt.Sprintf("\n## %s\n", t.Name))
		b.WriteString(fmt.Sprintf("- **Description**: %s\n", t.Description))
		b.WriteString(fmt.Sprintf("- **API Endpoint**: %s\n", t.APIEndpoint))
		b.WriteString(fmt.Sprintf("- **Command**: `%s`\n", t.Command))
		b.WriteString(fmt.Sprintf("- **Response Type**: %s\n", t.ResponseType))
		b.WriteString(fmt.Sprintf("- **Language**: %s\n", t.Language))
		if t.Usage != "" {
			b.WriteString(fmt.Sprintf("- **Usage**: %s\n", t.Usage))
		}
		if t.ResponseSample != "" {
			b.WriteString(fmt.Sprintf("- **Response Sample**: %s\n", t.ResponseSample))
		}
		if len(t.PipPackages) > 0 {
			b.WriteString(fmt.Sprintf("- **Pip Packages**: %s\n", strings.Join(t.PipPackages, ", ")))
		}
		b.WriteString(fmt.Sprintf("- **Updated**: %s\n", time.Now().UTC().Format(time.RFC3339)))
	}
	return writeFileAtomic(tm.indexPath, []byte(b.String()), 0o644)
}

// SubstituteCommand resolves every {placeholder} in the tool's command
// template. No placeholder may survive into the executed string: missing
// args fall back to an empty string, or "." for path-like names. When the
// template has exactly one placeholder and the caller supplied exactly one
// arg under a different key, the mapping is inferred.
func (tm *ToolManager) SubstituteCommand(tool *ToolDefinition, args map[string]string) string {
	placeholders := placeholderRe.FindAllStringSubmatch(tool.Command, -1)

	effective := args
	if len(placeholders) == 1 && len(args) == 1 {
		want := placeholders[0][1]
		if _, ok := args[want]; !ok {
			for _, v := range args {
				effective = map[string]string{want: v}
			}
		}
	}

	command := tool.Command
	for _, m := range placeholders {
		key := m[1]
		value, ok := effective[key]
		if !ok {
			value = defaultArgValue(key)
		}
		command = strings.ReplaceAll(command, m[0], shellQuote(value))
	}
	return command
}

func defaultArgValue(key string) string {
	switch strings.ToLower(key) {
	case "path", "dir", "directory":
		return "."
	default:
		return ""
	}
}

// shellQuote wraps the value in single quotes when it contains whitespace or
// shell metacharacters. Plain tokens pass through untouched so commands stay
// readable in logs.
func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	if !strings.ContainsAny(value, " \t\n\"'`$&|;<>()*?[]#~\\!") {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// ExecuteTool runs the named tool with the given args and returns trimmed
// stdout. A non-zero exit is the sole failure signal.
func (tm *ToolManager) ExecuteTool(ctx context.Context, name string, args map[string]string) (string, error) {
	tm.mu.RLock()
	tool, ok := tm.tools[name]
	tm.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool %s not found", name)
	}

	command := tm.SubstituteCommand(tool, args)

	tm.mu.Lock()
	tm.lastCommand = command
	tm.mu.Unlock()

	log.Printf("🔧 [TOOLS] Executing %s: %s", name, command)
	stdout, stderr, err := tm.runner.Run(ctx, command, tm.dataDir)
	if err != nil {
		if strings.TrimSpace(stderr) != "" {
			return "", fmt.Errorf("tool execution failed: %v: %s", err, truncate(strings.TrimSpace(stderr), 500))
		}
		return "", fmt.Errorf("tool execution failed: %w", err)
	}
	if strings.TrimSpace(stderr) != "" {
		log.Printf("⚠️ [TOOLS] %s stderr: %s", name, truncate(strings.TrimSpace(stderr), 200))
	}
	return strings.TrimSpace(stdout), nil
}

// GetLastCommand returns the most recently substituted command line, the
// diagnostic side channel the repair flow feeds back to the model.
func (tm *ToolManager) GetLastCommand() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.lastCommand
}

// writeFileAtomic writes via a temp file and rename so concurrent readers
// never observe a partial document.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
