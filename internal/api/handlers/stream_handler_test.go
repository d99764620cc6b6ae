package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	connected    atomic.Int32
	disconnected atomic.Int32
}

func (o *countingObserver) StreamClientConnected()    { o.connected.Add(1) }
func (o *countingObserver) StreamClientDisconnected() { o.disconnected.Add(1) }

func dialStream(t *testing.T, stream *ReportStream, latest func() *domain.SecurityReport) (*websocket.Conn, func()) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", stream.HandleWebSocket(latest))
	srv := httptest.NewServer(r)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

// TestReportStream_SendsLatestOnConnect 测试连接后立即推送最近报告
func TestReportStream_SendsLatestOnConnect(t *testing.T) {
	stream := NewReportStream(testLogger(), nil)
	conn, cleanup := dialStream(t, stream, func() *domain.SecurityReport {
		return &domain.SecurityReport{ID: "first"}
	})
	defer cleanup()

	var got domain.SecurityReport
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "first", got.ID)
}

// TestReportStream_Broadcast 测试广播到已连接客户端
func TestReportStream_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observer := &countingObserver{}
	stream := NewReportStream(testLogger(), observer)
	stream.Start(ctx)

	conn, cleanup := dialStream(t, stream, nil)
	defer cleanup()

	require.Eventually(t, func() bool { return stream.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), observer.connected.Load())

	stream.Publish(rootedReport())

	var got domain.SecurityReport
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "r-1", got.ID)
	assert.True(t, got.Root)
}

// TestReportStream_Disconnect 测试客户端断开后移除
func TestReportStream_Disconnect(t *testing.T) {
	observer := &countingObserver{}
	stream := NewReportStream(testLogger(), observer)

	conn, cleanup := dialStream(t, stream, nil)
	defer cleanup()
	require.Eventually(t, func() bool { return stream.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	require.Eventually(t, func() bool { return stream.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), observer.disconnected.Load())
}

// TestReportStream_PublishDropsWhenFull 测试队列满时不阻塞
func TestReportStream_PublishDropsWhenFull(t *testing.T) {
	stream := NewReportStream(testLogger(), nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			stream.Publish(&domain.SecurityReport{ID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}
