package job

import (
	"context"
	"strings"

	"YieldScout/internal/config"
	xerrors "YieldScout/internal/errors"
)

// Handler 处理来自消息队列的任务 ID。
type Handler func(ctx context.Context, jobID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// NewQueue 按配置选择队列实现：memory、redis 或 rabbitmq。
func NewQueue(cfg config.TaskQueueConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(cfg.Redis)
	case "rabbitmq", "amqp":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的队列驱动: "+cfg.Driver)
	}
}
