package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"crewspace/api/internal/app"
	"crewspace/api/internal/blob"
	"crewspace/api/internal/config"
	"crewspace/api/internal/email"
	"crewspace/api/internal/feed"
	"crewspace/api/internal/search"
	"crewspace/api/internal/session"
	"crewspace/api/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crewspace",
		Short: "Crewspace workspace core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("token", os.Getenv("CREWSPACE_TOKEN"), "Session token of the acting user (env CREWSPACE_TOKEN)")

	cmd.AddCommand(newCmdMigrate())
	cmd.AddCommand(newCmdWatch())
	cmd.AddCommand(newCmdDeleteWorkspace())
	cmd.AddCommand(newCmdDeleteProject())
	cmd.AddCommand(newCmdReindex())
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Printf("crewspace: %v", err)
		stop()
		os.Exit(1)
	}
}

// runtime holds every backend the core talks to. Optional backends stay nil
// when their configuration is empty.
type runtime struct {
	cfg      config.Config
	db       *sql.DB
	redis    *redis.Client
	meili    *search.Meili
	search   *search.Service
	sessions *session.RedisStore
	service  *app.Service
}

func connect(ctx context.Context) (*runtime, error) {
	cfg := config.Load()
	rt := &runtime{cfg: cfg}

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt.db = db

	deps := app.Deps{Store: store.NewPostgresStore(db)}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rt.redis = redis.NewClient(opts)
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.sessions = session.NewRedisStoreWithClient(rt.redis)
		deps.Feed = feed.NewRedisFeed(rt.redis, cfg.FeedPrefix, cfg.SubscribeTimeout)
		deps.Identity = rt.sessions
	} else {
		log.Printf("crewspace: REDIS_URL empty, sessions run on snapshots only")
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err := blob.NewMinioStore(ctx, blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("blob storage failed: %w", err)
		}
		deps.Blobs = blobs
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		rt.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	rt.search = search.NewService(rt.meili, search.NewPgFTS(db))
	deps.Search = rt.search

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mail.IsConfigured() {
		deps.Mailer = mail
	}

	rt.service = app.New(cfg, deps)
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.meili != nil {
		rt.meili.Close()
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			log.Printf("crewspace: close redis: %v", err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			log.Printf("crewspace: close database: %v", err)
		}
	}
}

// actor resolves the --token flag to a user.
func (rt *runtime) actor(cmd *cobra.Command) (store.User, error) {
	token, _ := cmd.Flags().GetString("token")
	if strings.TrimSpace(token) == "" {
		return store.User{}, fmt.Errorf("--token is required")
	}
	return rt.service.CurrentUser(cmd.Context(), token)
}
