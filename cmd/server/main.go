package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"reviewgenius/internal/api"
	"reviewgenius/internal/config"
	"reviewgenius/internal/db"
	"reviewgenius/internal/llm"
	"reviewgenius/internal/services"
)

func main() {
	cfg, err := config.Load()

	format := log.FormatJSON
	if log.IsTerminal() && !cfg.LogJSON {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err != nil {
		log.Fatalf(ctx, err, "load config")
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	conn, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatalf(ctx, err, "open database %q", cfg.Database)
	}
	defer conn.Close()

	opts := llm.Options{
		Model:       cfg.LLMModel,
		FormatModel: cfg.LLMFormatModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Retry:       llm.RetryPolicy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay},
	}
	if cfg.RequestsPerMinute > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1)
	}
	if cfg.SafetyCheck {
		opts.SafetyPrompt = llm.DefaultSafetyPrompt
	}
	invoker := llm.NewInvoker(llm.NewOpenAIBackend(cfg.LLMBaseURL, &http.Client{}), opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := services.NewJobManager()
	tasks := services.NewTaskQueue(ctx, cfg.ProfileWorkers, cfg.ProfileQueueSize, cfg.RequestTimeout, jobs)

	server := api.NewServer(api.Services{
		Exams:    services.NewExamService(invoker),
		Grading:  services.NewGradingService(invoker),
		Settings: services.NewSettingsService(conn),
		Profiles: services.NewProfileService(conn, invoker),
		Reviews:  services.NewReviewService(conn),
		Tasks:    tasks,
		Jobs:     jobs,
	}, api.Options{
		DefaultAPIKey:  cfg.LLMAPIKey,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           log.HTTP(ctx)(server.Handler()),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	// Shutdown gracefully with a 30s timeout.
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to shutdown HTTP server: %v", err)
	}
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to drain background tasks: %v", err)
	}
	log.Printf(ctx, "exited")
}
