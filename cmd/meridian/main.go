// Command meridian runs the memory service: it wires the vector and
// graph stores, the embedding/reranker backends, every engine
// component, and the background scheduler, then blocks until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arkhive/meridian/internal/config"
	"github.com/arkhive/meridian/internal/engine"
	"github.com/arkhive/meridian/internal/llm"
	"github.com/arkhive/meridian/internal/storage"
	"github.com/arkhive/meridian/internal/storage/neo4j"
	"github.com/arkhive/meridian/internal/storage/qdrant"
	"github.com/arkhive/meridian/pkg/types"
)

var (
	settingsPath     = flag.String("settings", "", "Path to the JSON tunable-settings file (optional, defaults apply if absent)")
	memoryCollection = flag.String("collection", "meridian_memories", "Qdrant collection name for memories")
	cacheCollection  = flag.String("cache-collection", "meridian_query_cache", "Qdrant collection name for the query cache")
	auditCollection  = flag.String("audit-collection", "meridian_audit_log", "Qdrant collection name for the audit trail")
)

func main() {
	flag.Parse()

	cfg := config.Load()
	settingsSource := config.NewSettingsSource(*settingsPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memStore, err := newQdrantStore(cfg.Qdrant, *memoryCollection, cfg.Embedding.Dimension)
	if err != nil {
		log.Fatalf("meridian: connect memory store: %v", err)
	}
	defer memStore.Close()
	if err := memStore.CreateCollection(ctx, cfg.Embedding.Dimension, cfg.Embedding.Sparse); err != nil {
		log.Fatalf("meridian: create memory collection: %v", err)
	}

	cacheStore, err := newQdrantStore(cfg.Qdrant, *cacheCollection, cfg.Embedding.Dimension)
	if err != nil {
		log.Fatalf("meridian: connect cache store: %v", err)
	}
	defer cacheStore.Close()

	auditStore, err := newQdrantStore(cfg.Qdrant, *auditCollection, 1)
	if err != nil {
		log.Fatalf("meridian: connect audit store: %v", err)
	}
	defer auditStore.Close()
	if err := auditStore.CreateCollection(ctx, 1, false); err != nil {
		log.Fatalf("meridian: create audit collection: %v", err)
	}

	graphStore, err := neo4j.New(ctx, neo4j.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.Username,
		Password: cfg.Neo4j.Password,
	})
	if err != nil {
		log.Fatalf("meridian: connect graph store: %v", err)
	}
	defer graphStore.Close()

	embedder, err := llm.NewEmbeddingGenerator(llm.EmbeddingConfig{
		Provider: cfg.Embedding.Provider,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
		Model:    cfg.Embedding.Model,
	})
	if err != nil {
		log.Fatalf("meridian: construct embedding generator: %v", err)
	}

	reranker, err := llm.NewReranker(llm.RerankConfig{
		Provider: cfg.Rerank.Provider,
		BaseURL:  cfg.Rerank.BaseURL,
		Model:    cfg.Rerank.Model,
	})
	if err != nil {
		log.Fatalf("meridian: construct reranker: %v", err)
	}

	var sparseEmbedder llm.SparseEmbeddingGenerator
	if cfg.Embedding.Sparse {
		if sparse, ok := embedder.(llm.SparseEmbeddingGenerator); ok {
			sparseEmbedder = sparse
		}
	}

	quality := engine.NewQualityEngine(memStore)
	decay := engine.NewDecayEngine()
	audit := engine.NewAuditLog(auditStore)
	payloadUpdater := engine.NewPayloadUpdater(memStore, quality)
	restore := engine.NewRestoreManager(memStore, audit, quality)
	lifecycle := engine.NewLifecycleEngine(memStore, audit, quality)
	inference := engine.NewInferenceEngine(memStore, graphStore, quality)
	consolidation := engine.NewConsolidationEngine(memStore, embedder, quality)
	session := engine.NewSessionEngine(memStore, graphStore, embedder)
	cache := engine.NewQueryCache(cacheStore)
	if err := cache.CreateCollection(ctx, cfg.Embedding.Dimension); err != nil {
		log.Fatalf("meridian: create query cache collection: %v", err)
	}
	settings, err := settingsSource.Load()
	if err != nil {
		log.Fatalf("meridian: load settings: %v", err)
	}

	// writePipeline, queryPipeline, and payloadUpdater are the core API
	// surface a transport layer would call into (spec.md §1 treats
	// HTTP/WebSocket transport as an out-of-scope external collaborator);
	// this process constructs them and holds them ready, but neither the
	// scheduler's jobs nor any wire protocol call into them.
	writePipeline := engine.NewWritePipeline(
		memStore, graphStore, embedder, sparseEmbedder, quality, inference, audit,
		engine.WritePipelineConfig{
			DedupThreshold:          settings.DedupThreshold,
			QualityEnforcement:      cfg.Quality.QualityEnforcement,
			MinQualityScore:         cfg.Quality.MinQualityScore,
			OnWriteMaxRelationships: settings.OnWriteMaxRelationships,
			AutoSupersedeEnabled:    settings.AutoSupersedeEnabled,
			AutoSupersedeThreshold:  settings.AutoSupersedeThreshold,
			AutoSupersedeUpper:      settings.AutoSupersedeUpper,
		},
	)

	queryPipeline := engine.NewQueryPipeline(
		memStore, graphStore, embedder, sparseEmbedder, reranker, cache, decay, quality,
		engine.QueryPipelineConfig{
			RerankSkipThreshold:   settings.RerankSkipThreshold,
			UseLearnedFusion:      cfg.Features.UseLearnedFusion,
			UseQueryUnderstanding: cfg.Features.UseQueryUnderstanding,
			CacheThreshold:        settings.CacheThreshold,
		},
	)
	log.Printf("meridian: write and query pipelines ready (model=%s, rerank=%s)", embedder.GetModel(), reranker.GetModel())
	_ = writePipeline
	_ = queryPipeline
	_ = restore
	_ = payloadUpdater

	if cfg.Scheduler.Enabled {
		sched := buildScheduler(cfg, settingsSource, memStore, graphStore, quality, decay, lifecycle, inference, consolidation, session)
		if err := sched.Start(ctx); err != nil {
			log.Fatalf("meridian: start scheduler: %v", err)
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Printf("meridian: stop scheduler: %v", err)
			}
		}()
	}

	log.Println("meridian: service started")
	waitForShutdown()
	log.Println("meridian: shutting down")
}

// newQdrantStore builds a qdrant.Store for the given collection from a
// QdrantConfig, assembling the DSN qdrant.New expects from the
// host/port/api_key/tls fields config.Load populates separately.
func newQdrantStore(cfg config.QdrantConfig, collection string, dimension int) (*qdrant.Store, error) {
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	dsn := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)}
	if cfg.APIKey != "" {
		q := dsn.Query()
		q.Set("api_key", cfg.APIKey)
		dsn.RawQuery = q.Encode()
	}
	return qdrant.New(qdrant.Config{DSN: dsn.String(), Collection: collection, Dimension: dimension})
}

// buildScheduler assembles the six background jobs the spec's
// background-processing section names, each on its own interval and
// lock group, reloading tunable settings from disk on every tick.
func buildScheduler(
	cfg *config.Config,
	settingsSource *config.SettingsSource,
	store storage.VectorStore,
	graphStore storage.GraphStore,
	quality *engine.QualityEngine,
	decay *engine.DecayEngine,
	lifecycle *engine.LifecycleEngine,
	inference *engine.InferenceEngine,
	consolidation *engine.ConsolidationEngine,
	session *engine.SessionEngine,
) *engine.Scheduler {
	jobs := []engine.ScheduledJob{
		{
			Name:      "quality_and_promotion",
			LockGroup: engine.LockQualityAndPromotion,
			Interval:  24 * time.Hour,
			Run: func(ctx context.Context) error {
				candidates, err := quality.PromotionCandidates(ctx, time.Now(), 0.75)
				if err != nil {
					return err
				}
				for _, c := range candidates {
					if err := lifecycle.Transition(ctx, c.MemoryID, c.To, "scheduler", "quality-driven promotion"); err != nil {
						log.Printf("scheduler: promote %s: %v", c.MemoryID, err)
					}
				}
				return nil
			},
		},
		{
			Name:      "state_transitions",
			LockGroup: engine.LockQualityAndPromotion,
			Interval:  12 * time.Hour,
			Run: func(ctx context.Context) error {
				settings, err := settingsSource.Load()
				if err != nil {
					return fmt.Errorf("load settings: %w", err)
				}
				memories, err := engine.AllMemories(ctx, store, storage.Filter{IncludeArchived: true})
				if err != nil {
					return err
				}
				now := time.Now()
				for _, mem := range memories {
					next, reason, ok := engine.Evaluate(mem, now, settings.PurgeRetentionDays)
					if !ok {
						continue
					}
					if next == types.StatePurged && !settings.PurgeEnabled {
						continue
					}
					if err := lifecycle.Transition(ctx, mem.ID, next, "scheduler", reason); err != nil {
						log.Printf("scheduler: transition %s: %v", mem.ID, err)
					}
				}
				return nil
			},
		},
		{
			Name:      "memory_strength_decay",
			LockGroup: engine.LockMemoryStrength,
			Interval:  24 * time.Hour,
			Run: func(ctx context.Context) error {
				memories, err := engine.AllMemories(ctx, store, storage.Filter{IncludeArchived: true})
				if err != nil {
					return err
				}
				now := time.Now()
				for _, mem := range memories {
					newStrength, shouldWrite := decay.ApplyDecay(mem, now)
					if !shouldWrite {
						continue
					}
					if err := store.SetPayload(ctx, mem.ID, map[string]interface{}{"memory_strength": newStrength}); err != nil {
						log.Printf("scheduler: write decay for %s: %v", mem.ID, err)
						continue
					}

					switch engine.Decide(newStrength, cfg.Quality.PurgeEnabled, cfg.Quality.PurgeThreshold, cfg.Quality.ArchiveThreshold) {
					case engine.DecayDecisionPurge:
						if err := store.Delete(ctx, []string{mem.ID}); err != nil {
							log.Printf("scheduler: purge %s: %v", mem.ID, err)
							continue
						}
						if graphStore != nil {
							if err := graphStore.DeleteNode(ctx, mem.ID); err != nil {
								log.Printf("scheduler: purge graph node %s: %v", mem.ID, err)
							}
						}
					case engine.DecayDecisionArchive:
						if mem.State == types.StateArchived || mem.State == types.StatePurged {
							continue
						}
						if err := lifecycle.Archive(ctx, mem.ID, "scheduler", "memory strength decayed below archive threshold"); err != nil {
							log.Printf("scheduler: archive %s on weak strength: %v", mem.ID, err)
						}
					}
				}
				return nil
			},
		},
		{
			Name:      "session_consolidation",
			LockGroup: engine.LockConsolidation,
			Interval:  12 * time.Hour,
			Run: func(ctx context.Context) error {
				sessions, err := engine.AllSessions(ctx, store)
				if err != nil {
					return err
				}
				now := time.Now()
				for _, s := range sessions {
					if s.Consolidated() || !session.IsEligibleForConsolidation(s, now, 24*time.Hour) {
						continue
					}
					if _, err := session.Consolidate(ctx, s.ID); err != nil {
						log.Printf("scheduler: consolidate session %s: %v", s.ID, err)
					}
				}
				return nil
			},
		},
		{
			Name:      "relationship_inference",
			LockGroup: engine.LockGraphOperations,
			Interval:  24 * time.Hour,
			Run: func(ctx context.Context) error {
				settings, err := settingsSource.Load()
				if err != nil {
					return fmt.Errorf("load settings: %w", err)
				}
				if _, err := inference.InferErrorSolutions(ctx, 7*24*time.Hour); err != nil {
					log.Printf("scheduler: infer error solutions: %v", err)
				}
				if _, err := inference.InferRelated(ctx, time.Now()); err != nil {
					log.Printf("scheduler: infer related: %v", err)
				}
				if _, err := inference.InferTemporalFollows(ctx, "", time.Duration(settings.FollowsMaxGapMinutes)*time.Minute); err != nil {
					log.Printf("scheduler: infer temporal follows: %v", err)
				}
				if _, err := inference.InferCausal(ctx); err != nil {
					log.Printf("scheduler: infer causal: %v", err)
				}
				return nil
			},
		},
		{
			Name:      "consolidation",
			LockGroup: engine.LockConsolidation,
			Interval:  time.Duration(cfg.Scheduler.ConsolidationInterval) * time.Hour,
			Run: func(ctx context.Context) error {
				olderThan := time.Duration(cfg.Scheduler.ConsolidationOlderThan) * 24 * time.Hour
				_, err := consolidation.Run(ctx, olderThan, false)
				return err
			},
		},
	}

	return engine.NewScheduler(jobs)
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
