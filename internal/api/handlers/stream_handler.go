package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/sirupsen/logrus"
)

const streamWriteTimeout = 5 * time.Second

// StreamObserver 连接数指标
type StreamObserver interface {
	StreamClientConnected()
	StreamClientDisconnected()
}

// ReportStream 通过 WebSocket 推送安全报告
type ReportStream struct {
	logger      *logrus.Logger
	observer    StreamObserver
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]*sync.Mutex
	clientMutex sync.RWMutex
	broadcast   chan *domain.SecurityReport
}

// NewReportStream 创建报告推送器，observer 可为 nil
func NewReportStream(logger *logrus.Logger, observer StreamObserver) *ReportStream {
	return &ReportStream{
		logger:   logger,
		observer: observer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 访问控制由令牌中间件负责
			},
		},
		clients:   make(map[*websocket.Conn]*sync.Mutex),
		broadcast: make(chan *domain.SecurityReport, 16),
	}
}

// Start 启动广播循环
func (s *ReportStream) Start(ctx context.Context) {
	go s.runBroadcaster(ctx)
}

// Publish 投递报告，队列满时丢弃
func (s *ReportStream) Publish(report *domain.SecurityReport) {
	select {
	case s.broadcast <- report:
	default:
		s.logger.WithField("report_id", report.ID).Warn("Report stream queue full, dropping report")
	}
}

func (s *ReportStream) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case report := <-s.broadcast:
			s.send(report)
		}
	}
}

func (s *ReportStream) send(report *domain.SecurityReport) {
	s.clientMutex.RLock()
	var failed []*websocket.Conn
	for conn, writeMu := range s.clients {
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		err := conn.WriteJSON(report)
		writeMu.Unlock()
		if err != nil {
			s.logger.WithError(err).Warn("Failed to write to WebSocket client")
			failed = append(failed, conn)
		}
	}
	s.clientMutex.RUnlock()

	for _, conn := range failed {
		s.remove(conn)
	}
}

// Clients 当前连接数
func (s *ReportStream) Clients() int {
	s.clientMutex.RLock()
	defer s.clientMutex.RUnlock()
	return len(s.clients)
}

func (s *ReportStream) add(conn *websocket.Conn) {
	s.clientMutex.Lock()
	s.clients[conn] = &sync.Mutex{}
	s.clientMutex.Unlock()
	if s.observer != nil {
		s.observer.StreamClientConnected()
	}
}

func (s *ReportStream) remove(conn *websocket.Conn) {
	s.clientMutex.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	s.clientMutex.Unlock()

	if ok {
		conn.Close()
		if s.observer != nil {
			s.observer.StreamClientDisconnected()
		}
	}
}

func (s *ReportStream) closeAll() {
	s.clientMutex.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.clientMutex.RUnlock()

	for _, conn := range conns {
		s.remove(conn)
	}
}

// HandleWebSocket 处理 WebSocket 连接，连接后先推送最近一次报告
func (s *ReportStream) HandleWebSocket(latest func() *domain.SecurityReport) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.WithError(err).Error("Failed to upgrade to WebSocket")
			return
		}

		if latest != nil {
			if report := latest(); report != nil {
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteJSON(report); err != nil {
					conn.Close()
					return
				}
			}
		}

		s.add(conn)
		s.logger.WithField("remote", c.ClientIP()).Info("Report stream client connected")

		// 读循环只用于感知断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.WithError(err).Warn("WebSocket error")
				}
				break
			}
		}

		s.remove(conn)
		s.logger.WithField("remote", c.ClientIP()).Info("Report stream client disconnected")
	}
}
