package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 用 Redis list 承载任务队列：LPUSH 投递、BRPOP 消费。
// 处理失败的任务 RPUSH 回列表尾部，由尝试计数限制重试次数。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisQueue 建立连接并确认 Redis 可达。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "mneehub:tasks"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return &RedisQueue{
		client: client,
		queue:  queue,
		wait:   wait,
		log:    logger.Named("redis-queue"),
	}, nil
}

// Publish 将任务 ID 压入列表头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个阻塞消费协程，任一协程遇到不可恢复
// 错误即整体退出，交给上层决定重启。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	fatal := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go q.consumeLoop(ctx, handler, fatal)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fatal:
		return err
	}
}

func (q *RedisQueue) consumeLoop(ctx context.Context, handler Handler, fatal chan<- error) {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case err == redis.Nil:
			// 阻塞窗口内没有任务，继续等待。
			continue
		case stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, redis.ErrClosed):
			fatal <- err
			return
		case err != nil:
			fatal <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
			return
		}
		if len(values) != 2 {
			continue
		}
		taskID := values[1]
		if handlerErr := handler(ctx, taskID); handlerErr != nil {
			// 失败任务回到队尾，避免坏任务堵住队头。
			if pushErr := q.client.RPush(ctx, q.queue, taskID).Err(); pushErr != nil {
				q.log.Error("失败任务重投失败",
					slog.String("task_id", taskID),
					slog.Any("error", pushErr),
				)
			}
		}
	}
	fatal <- ctx.Err()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
