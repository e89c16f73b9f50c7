package shared

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGracePeriod 是发送 close 帧时等待写入的最长时间
const closeGracePeriod = time.Second

// MessageConn 将 websocket.Conn 包装为按消息读写的连接。
// 读只能由一个 goroutine 进行，写和关闭可以并发调用。
type MessageConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewMessageConn 包装一个已经建立的 WebSocket 连接
func NewMessageConn(ws *websocket.Conn, writeTimeout time.Duration) *MessageConn {
	return &MessageConn{ws: ws, writeTimeout: writeTimeout}
}

// DialMessageConn 客户端使用此函数连接 WebSocket 服务器，header 可携带 Sec-WebSocket-Protocol 等字段
func DialMessageConn(ctx context.Context, urlStr string, header http.Header) (*MessageConn, *http.Response, error) {
	dialer := *websocket.DefaultDialer
	if protocols := header.Values("Sec-WebSocket-Protocol"); len(protocols) > 0 {
		// gorilla 要求子协议通过 Subprotocols 字段传递
		dialer.Subprotocols = protocols
		header = header.Clone()
		header.Del("Sec-WebSocket-Protocol")
	}
	ws, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	return NewMessageConn(ws, 0), resp, nil
}

// ReadMessage 返回下一个数据消息，文本和二进制消息都按字节处理
func (c *MessageConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage || mt == websocket.TextMessage {
			return data, nil
		}
	}
}

// WriteMessage 以二进制消息发送 data
func (c *MessageConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close 发送 close 帧后关闭底层连接，可重复调用
func (c *MessageConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.ws.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

// SetReadDeadline 设置下一次 ReadMessage 的截止时间，零值表示取消
func (c *MessageConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// RemoteAddr 返回对端地址
func (c *MessageConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Subprotocol 返回握手协商出的子协议
func (c *MessageConn) Subprotocol() string {
	return c.ws.Subprotocol()
}
