package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gliderlab/taskpilot/gateway"
	"github.com/gliderlab/taskpilot/ledger"
	"github.com/gliderlab/taskpilot/memstore"
	"github.com/gliderlab/taskpilot/orchestrator"
	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/pkg/kv"
	"github.com/gliderlab/taskpilot/pkg/llm"
	"github.com/gliderlab/taskpilot/pkg/llm/providers/anthropic"
	"github.com/gliderlab/taskpilot/pkg/llm/providers/google"
	"github.com/gliderlab/taskpilot/pkg/llm/providers/openai"
	"github.com/gliderlab/taskpilot/storage"
	"github.com/gliderlab/taskpilot/tools"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	log.Println("Starting taskpilot...")

	cfg := config.Default()
	path := *configPath
	optional := path == ""
	if path == "" {
		path = "taskpilot.yaml"
	}
	if err := cfg.LoadFile(path, optional); err != nil {
		log.Fatalf("[ERROR] load config %s: %v", path, err)
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[ERROR] invalid config: %v", err)
	}

	for _, dir := range []string{cfg.Tools.WorkspaceDir, cfg.Tools.ScriptDir} {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatalf("[ERROR] create %s: %v", dir, err)
			}
		}
	}

	db, err := storage.NewWithConfig(cfg.Storage)
	if err != nil {
		log.Fatalf("[ERROR] open storage: %v", err)
	}
	defer db.Close()

	store, err := kv.Open(kv.DefaultOptions(cfg.Storage.KVDir))
	if err != nil {
		log.Fatalf("[ERROR] open kv store: %v", err)
	}
	defer store.Close()

	roster := llm.NewRoster()
	registerProviders(roster, cfg)
	if len(roster.Names()) == 0 {
		log.Fatalf("[ERROR] no provider configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GOOGLE_API_KEY")
	}

	led := ledger.New(db, cfg.Budget)
	defer led.Close()

	mem := memstore.New(db)

	reg := tools.NewRegistry(cfg.Tools)
	reg.Register(&tools.ReadFileTool{Workspace: cfg.Tools.WorkspaceDir})
	reg.Register(&tools.WriteFileTool{Workspace: cfg.Tools.WorkspaceDir})
	reg.Register(&tools.ListFilesTool{Workspace: cfg.Tools.WorkspaceDir})
	reg.Register(&tools.RunScriptTool{ScriptDir: cfg.Tools.ScriptDir, Workspace: cfg.Tools.WorkspaceDir})
	reg.Register(&tools.MemorySaveTool{Mem: mem})
	reg.Register(&tools.MemorySearchTool{Mem: mem})

	hub := gateway.NewHub()

	orch := orchestrator.New(cfg, roster, led, mem, db, reg, store, hub)
	if err := orch.RecoverStale(); err != nil {
		log.Fatalf("[ERROR] recover stale tasks: %v", err)
	}

	srv := gateway.NewWithHub(cfg.Gateway, orch, led, db, hub)

	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("[ERROR] gateway: %v", err)
			os.Exit(1)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	log.Println("Shutting down...")
	srv.Stop()
	orch.Close()
}

// registerProviders wires every provider whose credentials are present.
func registerProviders(roster *llm.Roster, cfg *config.Config) {
	if pc, ok := cfg.Providers["anthropic"]; ok && pc.APIKey != "" {
		roster.Register(anthropic.New(pc))
		log.Printf("[OK] provider registered: anthropic")
	}
	if pc, ok := cfg.Providers["openai"]; ok && pc.APIKey != "" {
		roster.Register(openai.New(pc))
		log.Printf("[OK] provider registered: openai")
	}
	if pc, ok := cfg.Providers["google"]; ok && pc.APIKey != "" {
		p, err := google.New(context.Background(), pc)
		if err != nil {
			log.Printf("[WARN] google provider unavailable: %v", err)
		} else {
			roster.Register(p)
			log.Printf("[OK] provider registered: google")
		}
	}
}
