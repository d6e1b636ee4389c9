package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"aidesk/eventbus"
)

// loadEnvFile walks up from the working directory looking for a .env file.
// Missing files are fine, environment variables win either way.
func loadEnvFile() {
	envPath := ""
	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for dir != filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".env")
			if _, err := os.Stat(candidate); err == nil {
				envPath = candidate
				break
			}
			dir = filepath.Dir(dir)
		}
	}
	if envPath == "" {
		envPath = ".env"
	}
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("No .env file found or error loading: %v", err)
	} else {
		log.Printf("Loaded .env file from: %s", envPath)
	}
}

func main() {
	loadEnvFile()

	var (
		configPath = flag.String("config", "", "Path to configuration file")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Starting dispatcher: Redis=%s, NATS=%s, LLM=%s, data=%s",
		cfg.RedisURL, cfg.NatsURL, cfg.LLM.Provider, cfg.DataDir)

	tools, err := NewToolManager(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to initialize tool manager: %v", err)
	}
	ladder, err := NewRegexLadder(filepath.Join(cfg.DataDir, "regex_patterns.json"))
	if err != nil {
		log.Fatalf("Failed to initialize regex ladder: %v", err)
	}

	cache := NewAppCache(cfg.RedisURL, cfg.Limits.CacheTTLHours)
	defer cache.Close()
	sessions := NewSessionManager(cfg.RedisURL, cfg.Limits.CacheTTLHours)
	defer sessions.Close()

	var bus EventPublisher
	natsBus, err := eventbus.NewNATSBus(eventbus.NATSConfig{URL: cfg.NatsURL})
	if err != nil {
		log.Printf("⚠️ NATS unavailable, events disabled: %v", err)
	} else {
		defer natsBus.Close()
		bus = natsBus
	}

	llm := NewLLMClient(cfg.LLM)
	planner := NewAIPlanner(llm, tools)
	machine := NewRequestStateMachine(cfg.Limits, tools, ladder, cache, planner, bus)

	loop := NewBackgroundLoop(cfg.Limits.RefreshIntervalSecs, planner, cache, sessions, tools, bus)
	machine.TrackLiveApp = loop.Track
	if err := loop.Start(); err != nil {
		log.Fatalf("Failed to start background loop: %v", err)
	}
	defer loop.Stop()

	api := NewAPIServer(cfg, machine, tools, ladder, cache, sessions, loop)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.Router(),
		// Model calls and subprocesses can be slow, allow long requests.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	log.Printf("🚀 Dispatcher listening on %s (mono root %s)", addr, cfg.APIRoot)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
