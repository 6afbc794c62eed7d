package task

import "context"

// Handler 消费队列中的任务 ID 并驱动一次完整的结算执行。
// 返回错误时由具体队列实现决定是否重新入队。
type Handler func(ctx context.Context, taskID string) error

// Producer 向队列投递待结算的任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以固定数量的 worker 拉取并处理任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 聚合生产与消费两侧能力，内存、Redis、RabbitMQ 三种实现均满足该接口。
type Queue interface {
	Producer
	Consumer
}
