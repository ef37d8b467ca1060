package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"team-answer-service/internal/app"
	"team-answer-service/internal/config"
	"team-answer-service/internal/domain"
	"team-answer-service/internal/infra/memory"
	natsinfra "team-answer-service/internal/infra/nats"
	pgstore "team-answer-service/internal/infra/postgres"
	redisstore "team-answer-service/internal/infra/redis"
	transport "team-answer-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the answer service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// backends holds whatever infrastructure the config turned on.
type backends struct {
	redis     *redis.Client
	pool      *pgxpool.Pool
	publisher *natsinfra.SubmissionPublisher
	closers   []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// buildService wires stores, catalog, team directory, and event publisher from cfg.
// Postgres wins over Redis for documents and submissions; with neither, everything lives in memory.
func buildService(ctx context.Context, cfg config.Config) (*app.AnswerService, *backends, error) {
	b := &backends{}

	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func() { _ = b.redis.Close() })
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 48*time.Hour)

	var (
		documents   app.DocumentRepository
		submissions app.SubmissionRepository
		loader      memory.TestLoader
		teams       app.TeamDirectory
	)

	if cfg.Postgres.URL != "" {
		db := openBun(cfg.Postgres.URL)
		b.closers = append(b.closers, func() { _ = db.Close() })
		if err := migrateDB(ctx, db); err != nil {
			b.Close()
			return nil, nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			b.Close()
			return nil, nil, err
		}
		b.pool = pool
		b.closers = append(b.closers, pool.Close)

		catalog := pgstore.NewCatalog(pool)
		loader, teams = catalog, catalog
		documents = pgstore.NewDocumentStore(db)
		submissions = pgstore.NewSubmissionStore(db)
		log.Info().Msg("using postgres for answer documents and submissions")
	} else {
		static := sampleCatalog()
		loader, teams = static, static
		if b.redis != nil {
			documents = redisstore.NewDocumentStore(b.redis, redisTTL)
			submissions = redisstore.NewSubmissionStore(b.redis)
			log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis for answer documents and submissions")
		} else {
			documents = memory.NewDocumentStore()
			submissions = memory.NewSubmissionStore()
			log.Info().Msg("using in-memory answer documents and submissions")
		}
	}

	catalogTTL := config.TTLDuration(cfg.Catalog.TTL, 10*time.Minute)
	var tests app.TestCatalog
	if b.redis != nil {
		tests = redisstore.NewTestCatalog(b.redis, loader, catalogTTL)
	} else {
		tests = memory.NewTestCatalog(loader, catalogTTL)
	}

	opts := []app.Option{app.WithHub(app.NewHub())}
	if cfg.NATS.URL != "" {
		natsCfg := natsinfra.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		if cfg.NATS.Stream != "" {
			natsCfg.StreamName = cfg.NATS.Stream
		}
		if cfg.NATS.SubjectPrefix != "" {
			natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		publisher, err := natsinfra.NewSubmissionPublisher(ctx, natsCfg)
		if err != nil {
			b.Close()
			return nil, nil, err
		}
		b.publisher = publisher
		b.closers = append(b.closers, func() { _ = publisher.Close() })
		opts = append(opts, app.WithPublisher(publisher))
	} else {
		opts = append(opts, app.WithPublisher(memory.NewEventLog()))
	}

	return app.NewAnswerService(documents, submissions, tests, teams, opts...), b, nil
}

// newHandler mounts the REST routes, the optional live stream, and health, wrapped in CORS.
func newHandler(cfg config.Config, service *app.AnswerService, b *backends) http.Handler {
	mux := http.NewServeMux()
	transport.NewHandler(service).Register(mux)
	if cfg.Server.LiveStream {
		mux.HandleFunc("GET /ws", transport.NewWSHandler(service).ServeWS)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if b.redis != nil {
			if err := b.redis.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		if b.pool != nil {
			if err := b.pool.Ping(r.Context()); err != nil {
				http.Error(w, "postgres: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	})

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"Content-Type", transport.UserHeader},
	})
	return c.Handler(mux)
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	service, b, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     newHandler(cfg, service, b),
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting answer service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server...")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleCatalog provides a demo test when no Postgres catalog is configured.
func sampleCatalog() *memory.StaticCatalog {
	catalog := memory.NewStaticCatalog(map[string]domain.TestDefinition{
		"demo-test": {
			ID:              "demo-test",
			DurationSeconds: 1800,
			Questions: []domain.Question{
				{ID: "q1", Points: 1},
				{ID: "q2", Points: 1},
				{ID: "q3", Points: 2},
				{ID: "q4", Points: 3},
			},
		},
	})
	catalog.Assign("demo-test", "demo-team")
	return catalog
}
