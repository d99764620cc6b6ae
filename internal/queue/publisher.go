package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// Sink 消息出口
type Sink interface {
	Publish(ctx context.Context, body []byte) error
}

// PublishObserver 发布结果指标
type PublishObserver interface {
	RecordEventPublished(err error)
}

// ThreatPublisher 将威胁事件发布到队列
type ThreatPublisher struct {
	sink     Sink
	observer PublishObserver
	logger   *logrus.Logger
}

// NewThreatPublisher 创建发布者，observer 可为 nil
func NewThreatPublisher(sink Sink, observer PublishObserver, logger *logrus.Logger) *ThreatPublisher {
	return &ThreatPublisher{
		sink:     sink,
		observer: observer,
		logger:   logger,
	}
}

// Publish 序列化并发布一个威胁事件
func (p *ThreatPublisher) Publish(ctx context.Context, event domain.ThreatEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.sink.Publish(ctx, body)
	if p.observer != nil {
		p.observer.RecordEventPublished(err)
	}
	if err != nil {
		p.logger.WithError(err).WithField("event_id", event.EventID).Error("Failed to publish threat event")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"threat":   event.Threat,
		"enforced": event.Enforced,
	}).Info("Threat event published")

	return nil
}
