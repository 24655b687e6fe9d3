// Command agentmesh assembles the pipeline from an organism definition
// and the environment, recovers durable state, and serves envelopes from
// the configured ingress until interrupted.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	mesh "github.com/hatsunemiku3939/agentmesh"
	"github.com/hatsunemiku3939/agentmesh/agent"
	"github.com/hatsunemiku3939/agentmesh/config"
	"github.com/hatsunemiku3939/agentmesh/contextstore"
	"github.com/hatsunemiku3939/agentmesh/ingress/sqsingress"
	"github.com/hatsunemiku3939/agentmesh/journal"
	"github.com/hatsunemiku3939/agentmesh/kernel"
	"github.com/hatsunemiku3939/agentmesh/llmprovider"
	"github.com/hatsunemiku3939/agentmesh/logger"
	"github.com/hatsunemiku3939/agentmesh/organism"
	"github.com/hatsunemiku3939/agentmesh/pkg/jsonschema"
	"github.com/hatsunemiku3939/agentmesh/profile"
	"github.com/hatsunemiku3939/agentmesh/semroute"
	"github.com/hatsunemiku3939/agentmesh/storage"
	"github.com/hatsunemiku3939/agentmesh/thread"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", logger.Error(err))
		os.Exit(1)
	}

	log := logger.New(logger.Format(cfg.LogFormat), parseLevel(cfg.LogLevel))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("agentmesh exited", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	def, err := organism.Load(cfg.OrganismPath)
	if err != nil {
		return err
	}

	store, err := storage.OpenFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	var blobs storage.Blob = store
	if cfg.RedisURL != "" {
		redisBlobs, err := storage.NewRedisBlob(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisBlobs.Close()
		blobs = redisBlobs
	}

	profiles, err := def.BuildProfiles()
	if err != nil {
		return err
	}
	resolver, err := profile.NewResolver(profiles)
	if err != nil {
		return err
	}

	k := kernel.New(store, kernel.WithLogger(log))
	jnl, err := journal.New(k, journal.WithLogger(log))
	if err != nil {
		return err
	}
	threads, err := thread.New(k, resolver, thread.WithLogger(log))
	if err != nil {
		return err
	}
	ctxStore, err := contextstore.New(k, blobs,
		contextstore.WithLogger(log),
		contextstore.WithTokenBudget(cfg.ContextTokenBudget),
		contextstore.WithJournal(jnl))
	if err != nil {
		return err
	}

	// Recovery must see every applier; it runs after all registrations.
	if err := k.Recover(); err != nil {
		return err
	}
	if err := threads.EnsureRoot(def.RootProfile); err != nil {
		return err
	}

	schemas := jsonschema.NewRegistry()
	if err := def.CompileSchemas(schemas); err != nil {
		return err
	}

	var llm *llmprovider.Client
	if cfg.OpenAIKey != "" {
		llm, err = llmprovider.NewClient(cfg.OpenAIKey)
		if err != nil {
			return err
		}
	}

	registry := mesh.NewRegistry()
	for _, l := range def.Listeners {
		if l.Agent == nil {
			// Tool implementations are external collaborators; a listener
			// without one stays unroutable until an embedding application
			// registers it.
			log.Warn("listener has no built-in implementation", slog.String("listener", l.Name))
			continue
		}
		if llm == nil {
			return llmprovider.ErrMissingAPIKey
		}
		agentCfg, err := def.AgentConfig(l.Name)
		if err != nil {
			return err
		}
		loop, err := agent.NewLoop(agentCfg, llmprovider.NewInference(llm), ctxStore, threads, agent.WithLogger(log))
		if err != nil {
			return err
		}
		reg, err := def.Registration(l.Name)
		if err != nil {
			return err
		}
		if err := registry.Register(reg, loop); err != nil {
			return err
		}
	}
	registry.Freeze()
	// The wire envelope schema goes in before the freeze: the SQS consumer
	// parses every message against it.
	if err := schemas.Compile("mesh/envelope", mesh.EnvelopeSchema); err != nil {
		return err
	}
	schemas.Freeze()

	pipeline, err := mesh.NewPipeline(registry, schemas, resolver, threads, jnl,
		mesh.WithLogger(log),
		mesh.WithNamespace(def.Namespace),
		mesh.WithMaxPayload(cfg.MaxPayloadBytes))
	if err != nil {
		return err
	}
	defer pipeline.Close()

	var router *semroute.Router
	if llm != nil {
		embedder := llmprovider.NewEmbedder(llm)
		fillers := []semroute.FormFiller{llmprovider.NewFormFiller(llm, cfg.FillerModel)}
		if cfg.StrongFillerModel != "" {
			fillers = append(fillers, llmprovider.NewFormFiller(llm, cfg.StrongFillerModel))
		}
		router, err = semroute.New(ctx, embedder, resolver, def.Capabilities(), fillers, semroute.WithLogger(log))
		if err != nil {
			return err
		}
	}

	go maintenance(ctx, k, jnl, cfg.CheckpointEvery, log)

	if cfg.SQSQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return err
		}
		opts := []sqsingress.Option{sqsingress.WithLogger(log)}
		if router != nil {
			opts = append(opts, sqsingress.WithIntentRouter(router, def.Namespace))
		}
		consumer := sqsingress.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, pipeline, schemas, opts...)
		consumer.Start(ctx)
	} else {
		log.Info("no ingress configured, serving until interrupted")
		<-ctx.Done()
	}

	if err := k.Checkpoint(); err != nil {
		log.Error("final checkpoint failed", logger.Error(err))
	}
	return nil
}

// maintenance checkpoints the kernel as the WAL grows and prunes the
// journal on a slow cycle.
func maintenance(ctx context.Context, k *kernel.Kernel, jnl *journal.Journal, every int, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()
	last := k.LSN()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lsn := k.LSN(); lsn-last >= uint64(every) {
				if err := k.Checkpoint(); err != nil {
					log.Error("checkpoint failed", logger.Error(err))
					continue
				}
				last = lsn
			}
		case <-prune.C:
			if _, err := jnl.Prune(time.Now()); err != nil {
				log.Error("journal prune failed", logger.Error(err))
			}
		}
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
