package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/phrazzld/repackd/internal/task"
)

// Decoder rebuilds an executable task from its queue payload.
type Decoder func(payload []byte) (task.Task, error)

// ServerConfig configures a Server.
type ServerConfig struct {
	Queue           string
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Server consumes the queue and executes tasks.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewServer creates a Server executing tasks of taskType decoded by decode.
func NewServer(redisOpt asynq.RedisConnOpt, cfg ServerConfig, taskType string, decode Decoder, logger *slog.Logger) *Server {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger = logger.With("component", "queue_server")

	s := &Server{
		mux:    asynq.NewServeMux(),
		logger: logger,
	}
	s.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{cfg.Queue: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          &slogAdapter{logger: logger},
		LogLevel:        asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			logger.Warn("task returned an error", "task_id", id, "task_type", t.Type(), "error", err)
		}),
	})
	s.mux.Handle(taskType, handler{decode: decode, logger: logger})
	return s
}

// Run processes tasks until ctx ends, then shuts the server down and waits
// for running tasks up to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("failed to start queue server: %w", err)
	}
	s.logger.Info("queue server started")

	<-ctx.Done()

	s.server.Shutdown()
	s.logger.Info("queue server stopped")
	return nil
}

type handler struct {
	decode Decoder
	logger *slog.Logger
}

func (h handler) ProcessTask(ctx context.Context, qt *asynq.Task) error {
	t, err := h.decode(qt.Payload())
	if err != nil {
		return fmt.Errorf("failed to decode task payload: %v: %w", err, asynq.SkipRetry)
	}

	log := h.logger.With("task_id", t.ID(), "task_type", t.Type())
	log.Info("processing task")

	start := time.Now()
	if err := t.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("task cancelled", "duration", time.Since(start))
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log.Info("task completed", "duration", time.Since(start))
	return nil
}

// slogAdapter routes asynq's internal logging to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Debug(args ...interface{}) { a.logger.Debug(fmt.Sprint(args...)) }
func (a *slogAdapter) Info(args ...interface{})  { a.logger.Info(fmt.Sprint(args...)) }
func (a *slogAdapter) Warn(args ...interface{})  { a.logger.Warn(fmt.Sprint(args...)) }
func (a *slogAdapter) Error(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }
func (a *slogAdapter) Fatal(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }

// RedisOpt parses a redis:// URL into asynq connection options.
func RedisOpt(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return opt, nil
}
