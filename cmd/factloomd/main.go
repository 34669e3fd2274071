// Command factloomd runs the memory consolidation daemon: the engine, the
// tiered cache, periodic importance propagation, and the operational HTTP
// API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/factloom/factloom/internal/cache"
	"github.com/factloom/factloom/internal/config"
	"github.com/factloom/factloom/internal/embed"
	"github.com/factloom/factloom/internal/engine"
	"github.com/factloom/factloom/internal/ops"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/internal/storage/postgres"
	"github.com/factloom/factloom/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (overrides FACTLOOM_CONFIG_FILE)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("FACTLOOM_CONFIG_FILE", *configPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	embedder := buildEmbedder(cfg)

	caches := cache.NewTiered(cache.TieredConfig{
		HotSize:       cfg.Cache.HotSize,
		HotTTL:        cfg.Cache.HotTTL,
		WarmSize:      cfg.Cache.WarmSize,
		WarmTTL:       cfg.Cache.WarmTTL,
		ColdSize:      cfg.Cache.ColdSize,
		ColdTTL:       cfg.Cache.ColdTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	})

	engineCfg := engine.DefaultConfig()
	engineCfg.NumWorkers = cfg.Engine.Workers
	engineCfg.QueueSize = cfg.Engine.QueueSize
	engineCfg.ShutdownTimeout = cfg.Engine.ShutdownTimeout
	engineCfg.InitialConfidence = cfg.Engine.InitialConfidence
	engineCfg.EmbedRatePerSec = float64(cfg.Engine.EmbedRatePerSec)
	if cfg.Storage.Engine == "sqlite" {
		// Single writer connection; more workers just contend on it.
		engineCfg.NumWorkers = 1
	}

	eng, err := engine.New(store, caches, embedder, engineCfg)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	go caches.RunSweeper(ctx, cfg.Cache.SweepInterval)

	if cfg.Propagation.Enabled {
		go runPropagationLoop(ctx, eng, store, cfg.Propagation.Interval)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := ops.NewServer(addr, eng, embedder, caches)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Printf("factloomd running at http://%s (storage=%s, embeddings=%s)",
		addr, cfg.Storage.Engine, cfg.Embedding.Provider)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down engine: %v", err)
	}
	cancel()
}

// openStore selects the storage backend from config.
func openStore(cfg *config.Config) (storage.EntryStore, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.NewEntryStore(cfg.Storage.PostgresDSN, cfg.Embedding.Dimension)
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlite.NewEntryStore(cfg.Storage.DataPath + "/factloom.db")
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

// buildEmbedder selects the embedding provider from config. The Ollama
// provider is wrapped in a circuit breaker so a dead local model server
// degrades ingestion to embedding-less mode instead of stalling it.
func buildEmbedder(cfg *config.Config) embed.Provider {
	switch cfg.Embedding.Provider {
	case "ollama":
		return embed.WithBreaker(embed.NewOllamaProvider(embed.OllamaConfig{
			BaseURL:   cfg.Embedding.OllamaURL,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   cfg.Embedding.Timeout,
		}))
	default:
		return embed.NewLocalProvider(cfg.Embedding.Dimension)
	}
}

// runPropagationLoop runs a propagation pass per known profile on a fixed
// interval until the context is cancelled.
func runPropagationLoop(ctx context.Context, eng *engine.Engine, store storage.EntryStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			profiles, err := store.ListProfiles(ctx)
			if err != nil {
				log.Printf("propagation loop: failed to list profiles: %v", err)
				continue
			}
			for _, profileID := range profiles {
				result, err := eng.Propagator().Run(ctx, profileID, false)
				if err != nil {
					log.Printf("propagation loop: pass failed for %s: %v", profileID, err)
					continue
				}
				if result.UpdatedCount > 0 {
					log.Printf("propagation loop: profile %s: %d entries boosted from %d anchors",
						profileID, result.UpdatedCount, result.AnchorCount)
				}
			}
		}
	}
}
