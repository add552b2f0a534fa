package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sumire/testgen/internal/artifact"
	"github.com/sumire/testgen/internal/config"
	"github.com/sumire/testgen/internal/handler"
	"github.com/sumire/testgen/internal/jira"
	"github.com/sumire/testgen/internal/llm"
	"github.com/sumire/testgen/internal/prompt"
	"github.com/sumire/testgen/internal/repository"
	"github.com/sumire/testgen/internal/service"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")
	return cmd
}

func runServe(ctx context.Context, migrate bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, err := repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	slog.Info("database connected", "driver", cfg.DatabaseDriver)

	if migrate {
		applied, err := repository.Migrate(ctx, db)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			slog.Info("migrations applied", "versions", applied)
		}
	}

	prompts, err := prompt.Load(cfg.PromptsFile)
	if err != nil {
		return err
	}

	deps := service.GenerationDeps{
		Generations: repository.NewGenerationRepository(db),
		Projects:    repository.NewProjectRepository(db),
		Tracker: jira.New(jira.Config{
			BaseURL: cfg.JiraBaseURL,
			Email:   cfg.JiraEmail,
			Token:   cfg.JiraAPIToken,
		}),
		Model: llm.New(llm.Config{
			BaseURL:     cfg.LLMBaseURL,
			APIKey:      cfg.LLMAPIKey,
			Model:       cfg.LLMModel,
			MaxTokens:   cfg.LLMMaxTokens,
			Temperature: 0.3,
			Timeout:     cfg.LLMTimeout,
		}),
		Prompts: prompts,
		Logger:  slog.Default(),
	}

	if cfg.ArtifactsEnabled() {
		store, err := artifact.New(ctx, artifact.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.ArtifactBucket,
			Prefix:    cfg.ArtifactPrefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, slog.Default())
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		deps.Mirror = store
		slog.Info("mirroring published documents", "bucket", cfg.ArtifactBucket, "prefix", cfg.ArtifactPrefix)
	}

	authSvc := service.NewAuthService(repository.NewUserRepository(db), cfg.JWTSecret)
	genSvc := service.NewGenerationService(deps)

	e := handler.NewRouter(handler.RouterConfig{
		Auth:                authSvc,
		Generations:         genSvc,
		Ping:                db.PingContext,
		FrontendURL:         cfg.FrontendURL,
		GenerationRateLimit: cfg.GenerationRateLimit,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // generation blocks for the model call and its retries
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
