package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// EventHandler 威胁事件处理函数
type EventHandler func(ctx context.Context, event *domain.ThreatEvent) error

// Consumer 威胁事件消费者，连接断开后自动重新订阅
type Consumer struct {
	mq      *RabbitMQ
	handler EventHandler
	workers int
	logger  *logrus.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	watchOnce sync.Once
	handled   int64
	rejected  int64
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler EventHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		mq:      mq,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 订阅队列并启动 worker
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}

	deliveries, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, i, deliveries)
	}

	c.watchOnce.Do(func() {
		c.mq.StartConnectionWatcher()
		go c.resubscribe(ctx)
	})

	c.logger.WithField("workers", c.workers).Info("Threat event consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.WithField("worker_id", id).Debug("Delivery channel closed")
				return
			}
			c.deliver(ctx, id, d)
		}
	}
}

// deliver 处理失败或格式错误的消息直接丢弃，不重新入队
func (c *Consumer) deliver(ctx context.Context, workerID int, d amqp.Delivery) {
	start := time.Now()

	event, err := DecodeEvent(d.Body)
	if err != nil {
		c.logger.WithError(err).Warn("Dropping malformed threat event")
		c.count(false)
		d.Nack(false, false)
		return
	}

	if err := c.handler(ctx, event); err != nil {
		c.logger.WithError(err).WithField("event_id", event.EventID).Error("Event handling failed")
		c.count(false)
		d.Nack(false, false)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge message")
	}
	c.count(true)

	c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"event_id":  event.EventID,
		"duration":  time.Since(start).Seconds(),
	}).Debug("Event handled")
}

func (c *Consumer) count(ok bool) {
	c.mu.Lock()
	if ok {
		c.handled++
	} else {
		c.rejected++
	}
	c.mu.Unlock()
}

// resubscribe 等待重连信号，重连成功后重新启动 worker
func (c *Consumer) resubscribe(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mq.GetReconnectChan():
			c.stopWorkers()
			if err := c.mq.Reconnect(); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}
			if err := c.Start(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Stop 停止消费者并等待 worker 退出
func (c *Consumer) Stop() {
	c.stopWorkers()
	c.logger.Info("Threat event consumer stopped")
}

// Stats 已处理与已丢弃的消息数
func (c *Consumer) Stats() (handled, rejected int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handled, c.rejected
}

// DecodeEvent 解析队列中的威胁事件
func DecodeEvent(body []byte) (*domain.ThreatEvent, error) {
	var event domain.ThreatEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	if event.EventID == "" || event.Threat == "" {
		return nil, fmt.Errorf("event missing id or threat")
	}
	if _, err := domain.ParseThreatType(string(event.Threat)); err != nil {
		return nil, err
	}
	return &event, nil
}
