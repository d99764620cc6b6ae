package queue

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/raspguard/raspguard-go/internal/config"
	"github.com/sirupsen/logrus"
)

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// FromConfig 由应用配置构造
func FromConfig(cfg *config.RabbitMQConfig) *RabbitMQConfig {
	return &RabbitMQConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		VHost:    cfg.VHost,
	}
}

// URL 连接地址，凭据与 vhost 做转义
func (c *RabbitMQConfig) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	u := url.URL{
		Scheme:  "amqp",
		User:    url.UserPassword(c.User, c.Password),
		Host:    fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:    "/" + vhost,
		RawPath: "/" + url.PathEscape(vhost),
	}
	return u.String()
}

// session 一组连接与通道
type session struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  chan *amqp.Error // 连接或通道任一关闭时收到通知
}

func (s *session) close() {
	if s == nil {
		return
	}
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// RabbitMQ 持久化队列客户端，断线后由调用方驱动 Reconnect
type RabbitMQ struct {
	config     *RabbitMQConfig
	queueName  string
	maxRetries int
	reconnect  chan bool
	logger     *logrus.Logger

	mu       sync.RWMutex
	sess     *session
	shutdown bool
}

// NewRabbitMQ 连接并声明持久化队列
func NewRabbitMQ(cfg *RabbitMQConfig, queueName string, logger *logrus.Logger) (*RabbitMQ, error) {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:     cfg,
		queueName:  queueName,
		maxRetries: 10,
		reconnect:  make(chan bool, 1),
		logger:     logger,
	}

	sess, err := mq.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	mq.sess = sess

	return mq, nil
}

func (mq *RabbitMQ) dial() (*session, error) {
	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	sess := &session{conn: conn, closed: make(chan *amqp.Error, 2)}
	if sess.channel, err = conn.Channel(); err != nil {
		sess.close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := sess.channel.Qos(1, 0, false); err != nil {
		sess.close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := sess.channel.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		sess.close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	forward := func(src chan *amqp.Error) {
		if err, ok := <-src; ok {
			sess.closed <- err
		} else {
			sess.closed <- nil
		}
	}
	go forward(conn.NotifyClose(make(chan *amqp.Error, 1)))
	go forward(sess.channel.NotifyClose(make(chan *amqp.Error, 1)))

	mq.logger.WithFields(logrus.Fields{
		"host":      mq.config.Host,
		"port":      mq.config.Port,
		"queue":     mq.queueName,
		"heartbeat": mq.config.Heartbeat,
	}).Info("Connected to RabbitMQ")

	return sess, nil
}

func (mq *RabbitMQ) current() *session {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.sess
}

func (mq *RabbitMQ) isShutdown() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.shutdown
}

// StartConnectionWatcher 会话意外关闭时发出重连信号，直到 Close
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for !mq.isShutdown() {
			sess := mq.current()
			if sess == nil {
				time.Sleep(500 * time.Millisecond)
				continue
			}

			err := <-sess.closed
			if mq.isShutdown() {
				return
			}
			if err != nil {
				mq.logger.WithError(err).Error("RabbitMQ session closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ session closed")
			}

			select {
			case mq.reconnect <- true:
			default:
			}

			// 等待新会话替换旧会话
			for !mq.isShutdown() && mq.current() == sess {
				time.Sleep(500 * time.Millisecond)
			}
		}
	}()
}

// Reconnect 替换会话，线性退避
func (mq *RabbitMQ) Reconnect() error {
	mq.mu.Lock()
	old := mq.sess
	mq.sess = nil
	mq.mu.Unlock()
	old.close()

	for attempt := 1; attempt <= mq.maxRetries; attempt++ {
		if mq.isShutdown() {
			return fmt.Errorf("client closed")
		}

		sess, err := mq.dial()
		if err != nil {
			mq.logger.WithError(err).WithField("attempt", attempt).Warn("Failed to reconnect to RabbitMQ")
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}

		mq.mu.Lock()
		mq.sess = sess
		mq.mu.Unlock()
		mq.logger.Info("Reconnected to RabbitMQ")
		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	sess := mq.current()
	if sess == nil {
		return fmt.Errorf("channel is nil")
	}

	return sess.channel.PublishWithContext(ctx, "", mq.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 以手动确认方式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	sess := mq.current()
	if sess == nil {
		return nil, fmt.Errorf("channel is nil")
	}

	deliveries, err := sess.channel.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return deliveries, nil
}

// GetQueueStats 队列中的消息数与消费者数
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	sess := mq.current()
	if sess == nil {
		return 0, 0, fmt.Errorf("channel is nil")
	}

	q, err := sess.channel.QueueInspect(mq.queueName)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// Close 关闭会话并停止监听
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.shutdown = true
	sess := mq.sess
	mq.sess = nil
	mq.mu.Unlock()

	sess.close()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}

// GetReconnectChan 重连信号
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 当前会话是否可用
func (mq *RabbitMQ) IsConnected() bool {
	sess := mq.current()
	return sess != nil && !sess.conn.IsClosed()
}
