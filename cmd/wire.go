package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"github.com/theapemachine/mnemo/pkg/memory"
	"github.com/theapemachine/mnemo/pkg/profile"
	"github.com/theapemachine/mnemo/pkg/provider"
	"github.com/theapemachine/mnemo/pkg/stores"
)

// runtime bundles everything a command needs, wired once from viper.
type runtime struct {
	cfg        memory.Config
	stores     *stores.Bundle
	controller *memory.Controller
	forgetter  *memory.Forgetter
	manager    *memory.Manager
	profiles   *profile.Manager
}

func (r *runtime) Close() error {
	return r.stores.Close()
}

// buildRuntime assembles providers, stores and engines from the loaded
// configuration.
func buildRuntime() (*runtime, error) {
	cfg := engineConfig()

	providers, err := provider.New(viper.GetString("provider.name"), provider.Options{
		Model:          viper.GetString("provider.model"),
		EmbeddingModel: viper.GetString("provider.embedding_model"),
		MaxTokens:      viper.GetInt("provider.max_tokens"),
	})

	if err != nil {
		return nil, err
	}

	dataDir := viper.GetString("storage.data_dir")

	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, "."+projectName, "data")
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	bundle, err := stores.New(stores.Config{
		Mode:           viper.GetString("storage.mode"),
		DataDir:        dataDir,
		SessionTTL:     viper.GetInt("session.ttl_seconds"),
		MaxMessages:    viper.GetInt("session.max_messages"),
		QdrantEndpoint: viper.GetString("storage.qdrant_endpoint"),
		Neo4jEndpoint:  viper.GetString("storage.neo4j_endpoint"),
		Neo4jUser:      viper.GetString("storage.neo4j_user"),
		Neo4jPassword:  viper.GetString("storage.neo4j_password"),
	})

	if err != nil {
		return nil, err
	}

	profileRepo, err := profile.NewFileRepo(filepath.Join(dataDir, "profiles"))

	if err != nil {
		bundle.Close()
		return nil, err
	}

	profiles := profile.NewManager(profileRepo, providers.Generator)

	extractor := memory.NewExtractor(
		cfg, providers.Generator, providers.Embedder,
		bundle.Document, bundle.Vector, bundle.Graph, bundle.Session,
	)

	retriever := memory.NewRetriever(
		cfg, providers.Generator, providers.Embedder,
		bundle.Document, bundle.Vector, bundle.Graph,
	)

	forgetter := memory.NewForgetter(cfg, providers.Embedder, bundle.Document, bundle.Vector)

	controller := memory.NewController(
		cfg, bundle.Session, retriever, extractor,
		providers.Generator, profiles,
	)

	return &runtime{
		cfg:        cfg,
		stores:     bundle,
		controller: controller,
		forgetter:  forgetter,
		manager:    memory.NewManager(bundle.Document, bundle.Vector, bundle.Graph),
		profiles:   profiles,
	}, nil
}

// engineConfig maps the viper tree onto the engine tuning, falling back to
// stock defaults for anything unset.
func engineConfig() memory.Config {
	cfg := memory.DefaultConfig()

	set := func(key string, target *int) {
		if viper.IsSet(key) {
			*target = viper.GetInt(key)
		}
	}

	setF := func(key string, target *float64) {
		if viper.IsSet(key) {
			*target = viper.GetFloat64(key)
		}
	}

	set("extraction.window_size", &cfg.WindowSize)
	set("extraction.window_overlap", &cfg.WindowOverlap)
	setF("extraction.min_confidence", &cfg.MinConfidence)
	setF("extraction.dedup_similarity", &cfg.DedupSimilarity)
	set("extraction.trigger_window", &cfg.ExtractionWindow)

	set("retrieval.top_k", &cfg.TopK)
	setF("retrieval.score_threshold", &cfg.ScoreThreshold)
	set("retrieval.rrf_k", &cfg.RRFK)

	setF("forgetting.importance_threshold", &cfg.ImportanceThreshold)
	setF("forgetting.decay_factor", &cfg.DecayFactor)
	setF("forgetting.access_boost", &cfg.AccessBoost)
	setF("forgetting.merge_similarity", &cfg.MergeSimilarity)
	set("forgetting.max_memories", &cfg.MaxMemories)

	if viper.IsSet("forgetting.delete_on_forget") {
		cfg.DeleteOnForget = viper.GetBool("forgetting.delete_on_forget")
	}

	if viper.IsSet("session.ttl_seconds") {
		cfg.SessionTTL = time.Duration(viper.GetInt("session.ttl_seconds")) * time.Second
	}

	set("session.max_messages", &cfg.MaxMessages)

	return cfg
}
