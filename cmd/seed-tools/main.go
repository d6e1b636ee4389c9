// seed-tools populates a fresh data directory with the built-in tools and
// their fast-path routing patterns. Run once before first start:
//
//	go run ./cmd/seed-tools -data data -scripts tools
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type seedTool struct {
	Name         string
	Description  string
	APIEndpoint  string
	Command      string
	ResponseType string
	Usage        string
	Script       string
}

type seedPattern struct {
	Pattern     string            `json:"pattern"`
	ToolName    string            `json:"toolName"`
	Method      string            `json:"method"`
	ArgMapping  map[string]string `json:"argMapping"`
	Priority    int               `json:"priority"`
	Description string            `json:"description,omitempty"`
}

var seedTools = []seedTool{
	{
		Name:         "get_files_tool",
		Description:  "List files in a directory as JSON",
		APIEndpoint:  "/api/mono/get_files",
		Command:      "python3 tools/get_files_tool.py --path {path}",
		ResponseType: "json",
		Usage:        "GET /api/mono/get_files?path=/tmp",
		Script:       "get_files_tool.py",
	},
	{
		Name:         "file_reader",
		Description:  "Read a text file and return its contents",
		APIEndpoint:  "/api/mono/read_file",
		Command:      "python3 tools/file_reader.py --path {path}",
		ResponseType: "string",
		Usage:        "GET /api/mono/read_file?path=/etc/hostname",
		Script:       "file_reader.py",
	},
	{
		Name:         "generate_password_tool",
		Description:  "Generate a random password",
		APIEndpoint:  "/api/mono/generate_password",
		Command:      "python3 tools/generate_password_tool.py --length {length}",
		ResponseType: "string",
		Usage:        "GET /api/mono/generate_password?length=20",
		Script:       "generate_password_tool.py",
	},
	{
		Name:         "text_processor",
		Description:  "Transform text: upper, lower, wordcount, reverse",
		APIEndpoint:  "/api/mono/process_text",
		Command:      "python3 tools/text_processor.py --text {text} --op {op}",
		ResponseType: "string",
		Usage:        "GET /api/mono/process_text?text=hello&op=upper",
		Script:       "text_processor.py",
	},
}

var seedPatterns = []seedPattern{
	{Pattern: `^/api/mono/get_files(?:\?.*)?$`, ToolName: "get_files_tool", Method: "*", ArgMapping: map[string]string{}, Priority: 10, Description: "Directory listing fast path"},
	{Pattern: `^/api/mono/read_file(?:\?.*)?$`, ToolName: "file_reader", Method: "*", ArgMapping: map[string]string{}, Priority: 10, Description: "File read fast path"},
	{Pattern: `^/api/mono/generate_password(?:\?.*)?$`, ToolName: "generate_password_tool", Method: "*", ArgMapping: map[string]string{}, Priority: 20},
	{Pattern: `^/api/mono/process_text(?:\?.*)?$`, ToolName: "text_processor", Method: "*", ArgMapping: map[string]string{}, Priority: 20},
	{Pattern: `^/api/mono/tool/([a-z0-9_]+)(?:\?.*)?$`, ToolName: "$1", Method: "*", ArgMapping: map[string]string{}, Priority: 90, Description: "Generic tool-by-name route"},
}

func main() {
	dataDir := flag.String("data", "data", "Data directory to seed")
	scriptsDir := flag.String("scripts", "tools", "Directory holding the seed scripts")
	flag.Parse()

	toolsDir := filepath.Join(*dataDir, "tools")
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		log.Fatalf("Failed to create %s: %v", toolsDir, err)
	}

	for _, t := range seedTools {
		src := filepath.Join(*scriptsDir, t.Script)
		data, err := os.ReadFile(src)
		if err != nil {
			log.Fatalf("Failed to read seed script %s: %v", src, err)
		}
		dst := filepath.Join(toolsDir, t.Script)
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			log.Fatalf("Failed to write %s: %v", dst, err)
		}
		log.Printf("✅ Seeded script %s", dst)
	}

	if err := os.WriteFile(filepath.Join(*dataDir, "tools.md"), []byte(buildIndex()), 0o644); err != nil {
		log.Fatalf("Failed to write tool index: %v", err)
	}
	log.Printf("✅ Seeded tool index with %d tools", len(seedTools))

	patterns, err := json.MarshalIndent(seedPatterns, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal patterns: %v", err)
	}
	if err := os.WriteFile(filepath.Join(*dataDir, "regex_patterns.json"), patterns, 0o644); err != nil {
		log.Fatalf("Failed to write pattern file: %v", err)
	}
	log.Printf("✅ Seeded %d regex patterns", len(seedPatterns))
}

func buildIndex() string {
	var b strings.Builder
	b.WriteString("# Tool Index\n")
	now := time.Now().UTC().Format(time.RFC3339)
	for _, t := range seedTools {
		b.WriteString(fmt.Sprintf("\n## %s\n", t.Name))
		b.WriteString(fmt.Sprintf("- **Description**: %s\n", t.Description))
		b.WriteString(fmt.Sprintf("- **API Endpoint**: %s\n", t.APIEndpoint))
		b.WriteString(fmt.Sprintf("- **Command**: `%s`\n", t.Command))
		b.WriteString(fmt.Sprintf("- **Response Type**: %s\n", t.ResponseType))
		b.WriteString("- **Language**: python\n")
		b.WriteString(fmt.Sprintf("- **Usage**: %s\n", t.Usage))
		b.WriteString(fmt.Sprintf("- **Updated**: %s\n", now))
	}
	return b.String()
}
