// Package relay 在入站消息连接和出站传输之间双向转发数据。
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"edgerelay/internal/tunnel/broker"
)

const (
	DefaultBufferSize = 32 * 1024
	// DefaultMaxReplay 是首个下行字节之前可缓存用于重放的上行字节数
	DefaultMaxReplay = 64 * 1024
)

var (
	ErrIdleTimeout = errors.New("relay: idle timeout")
	ErrMaxLifetime = errors.New("relay: max lifetime reached")
)

// Inbound 是面向客户端的消息连接
type Inbound interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Session 是一次转发所需的全部输入
type Session struct {
	// Inbound.WriteMessage 不能在返回后继续持有 data
	Inbound Inbound
	// Result 是已建立的出站传输，重试时通过 Result.Next 获取下一个
	Result *broker.Result
	// Header 会合并进第一个下行消息
	Header []byte
	// Payload 是前导头之后携带的首段上行数据
	Payload []byte

	BufferSize   int
	MaxReplay    int
	IdleTimeout  time.Duration
	MaxLifetime  time.Duration
	WriteTimeout time.Duration

	// OnClose 在拆除时恰好调用一次
	OnClose func()
}

// Relay 管理一个会话的两个方向
type Relay struct {
	sess Session

	// writeMu 串行化对出站传输的写入，保证切换传输时重放数据在新数据之前
	writeMu sync.Mutex

	mu        sync.Mutex
	result    *broker.Result
	replay    []byte
	replayOK  bool
	retried   bool
	delivered atomic.Bool

	idle      *time.Timer
	closeOnce sync.Once
	closed    chan struct{}
	cause     error
}

// New 创建 Relay，尚未开始转发
func New(sess Session) *Relay {
	if sess.BufferSize <= 0 {
		sess.BufferSize = DefaultBufferSize
	}
	if sess.MaxReplay <= 0 {
		sess.MaxReplay = DefaultMaxReplay
	}
	return &Relay{
		sess:     sess,
		result:   sess.Result,
		replayOK: true,
		closed:   make(chan struct{}),
	}
}

// Run 是 New(sess).Run(ctx) 的简写
func Run(ctx context.Context, sess Session) error {
	return New(sess).Run(ctx)
}

// Delivered 报告是否已有字节送达客户端。只会从 false 变为 true。
func (r *Relay) Delivered() bool { return r.delivered.Load() }

// Retried 报告是否已经发生过一次重试
func (r *Relay) Retried() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retried
}

// Strategy 返回当前使用的出站策略
func (r *Relay) Strategy() broker.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.Strategy.Kind
}

// Run 阻塞直到会话结束，返回拆除原因；双方正常关闭时返回 nil。
func (r *Relay) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	if r.sess.MaxLifetime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sess.MaxLifetime)
		defer cancel()
	}
	stopCtx := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.teardown(ErrMaxLifetime)
			return
		}
		r.teardown(ctx.Err())
	})
	defer stopCtx()

	if r.sess.IdleTimeout > 0 {
		r.idle = time.AfterFunc(r.sess.IdleTimeout, func() { r.teardown(ErrIdleTimeout) })
		defer r.idle.Stop()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.upstream()
	}()
	go func() {
		defer wg.Done()
		r.downstream(ctx)
	}()
	wg.Wait()

	r.teardown(nil)
	if r.cause != nil {
		logger.Debug().Err(r.cause).Bool("delivered", r.Delivered()).Msg("Relay: session closed.")
	}
	return r.cause
}

// upstream 入站 -> 出站
func (r *Relay) upstream() {
	if len(r.sess.Payload) > 0 {
		if !r.writeTransport(r.sess.Payload) {
			return
		}
	}
	for {
		msg, err := r.sess.Inbound.ReadMessage()
		if err != nil {
			r.teardown(normalClose(err))
			return
		}
		if len(msg) == 0 {
			continue
		}
		r.touch()
		if !r.writeTransport(msg) {
			return
		}
	}
}

// writeTransport 写入当前传输。返回 false 表示会话已经结束。
func (r *Relay) writeTransport(data []byte) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	conn := r.result.Conn
	recorded := false
	if !r.delivered.Load() && r.replayOK {
		if len(r.replay)+len(data) <= r.sess.MaxReplay {
			r.replay = append(r.replay, data...)
			recorded = true
		} else {
			r.replay = nil
			r.replayOK = false
		}
	}
	r.mu.Unlock()

	if r.sess.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(r.sess.WriteTimeout))
	}
	if _, err := conn.Write(data); err != nil {
		if recorded && !r.isClosed() {
			// 数据已进入重放缓冲，由下行方向决定是否重试
			return true
		}
		r.teardown(err)
		return false
	}
	return true
}

// downstream 出站 -> 入站，负责首包响应头和空响应重试
func (r *Relay) downstream(ctx context.Context) {
	buf := make([]byte, r.sess.BufferSize)
	for {
		r.mu.Lock()
		conn := r.result.Conn
		r.mu.Unlock()

		n, err := conn.Read(buf)
		if n > 0 {
			r.touch()
			out := buf[:n]
			if !r.delivered.Load() {
				out = append(append(make([]byte, 0, len(r.sess.Header)+n), r.sess.Header...), buf[:n]...)
				r.mu.Lock()
				r.delivered.Store(true)
				r.replay = nil
				r.mu.Unlock()
			}
			if werr := r.sess.Inbound.WriteMessage(out); werr != nil {
				r.teardown(werr)
				return
			}
		}
		if err == nil {
			continue
		}
		if r.isClosed() {
			return
		}
		if !r.delivered.Load() && r.retry(ctx, err) {
			continue
		}
		r.teardown(normalClose(err))
		return
	}
}

// retry 切换到计划中的下一个策略并重放已发送的上行数据，最多一次
func (r *Relay) retry(ctx context.Context, cause error) bool {
	logger := zerolog.Ctx(ctx)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.retried || !r.replayOK {
		r.mu.Unlock()
		return false
	}
	r.retried = true
	current := r.result
	r.mu.Unlock()

	if errors.Is(cause, io.EOF) {
		cause = broker.ErrNoResponse
	}
	logger.Debug().Err(cause).Str("strategy", current.Strategy.Kind.String()).Msg("Relay: transport closed before any response, retrying.")

	next, err := current.Next(ctx, cause)
	if err != nil {
		logger.Debug().Err(err).Msg("Relay: retry failed.")
		r.teardown(err)
		return false
	}

	r.mu.Lock()
	if r.isClosed() {
		r.mu.Unlock()
		_ = next.Conn.Close()
		return false
	}
	r.result = next
	replay := append([]byte(nil), r.replay...)
	r.mu.Unlock()

	if len(replay) > 0 {
		if r.sess.WriteTimeout > 0 {
			_ = next.Conn.SetWriteDeadline(time.Now().Add(r.sess.WriteTimeout))
		}
		if _, err := next.Conn.Write(replay); err != nil {
			r.teardown(err)
			return false
		}
	}
	logger.Debug().Str("strategy", next.Strategy.Kind.String()).Int("replayed", len(replay)).Msg("Relay: switched transport.")
	return true
}

func (r *Relay) touch() {
	if r.idle != nil {
		r.idle.Reset(r.sess.IdleTimeout)
	}
}

func (r *Relay) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// teardown 关闭两端并调用 OnClose，只执行一次
func (r *Relay) teardown(cause error) {
	r.closeOnce.Do(func() {
		r.cause = cause
		close(r.closed)

		r.mu.Lock()
		conn := r.result.Conn
		r.mu.Unlock()
		_ = conn.Close()
		_ = r.sess.Inbound.Close()

		if r.sess.OnClose != nil {
			r.sess.OnClose()
		}
	})
}

// normalClose 将对端正常关闭视为无错误
func normalClose(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
