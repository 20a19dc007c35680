package worker

import (
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/magistory/render-server/internal/config"
	"github.com/magistory/render-server/internal/pkg/logger"
)

// RedisOpt builds the asynq connection options from the Redis config
func RedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewQueueServer creates the asynq server that consumes render tasks. Its
// concurrency is the render concurrency limit.
func NewQueueServer(redisOpt asynq.RedisClientOpt, cfg *config.Config, log *logger.Logger) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Render.MaxConcurrent,
		Queues: map[string]int{
			QueueRender: 1,
		},
		LogLevel: asynqLogLevel(cfg.Server.LogLevel),
		Logger:   &asynqLogger{log: log.WithComponent("asynq")},
	})
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// asynqLogger routes asynq's internal logging into the structured logger
type asynqLogger struct {
	log *logger.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.log.Error(fmt.Sprint(args...), "fatal", true) }
