package dnsrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/dns/dnsmessage"

	"edgerelay/internal/tunnel/relay"
)

const (
	DefaultEndpoint = "https://1.1.1.1/dns-query"
	DefaultTimeout  = 12 * time.Second
	maxMessage      = 65535
	queueSize       = 64
)

var ErrIdleTimeout = errors.New("dnsrelay: idle timeout")

// Session 是一个 DNS 模式连接的全部输入
type Session struct {
	Inbound relay.Inbound
	// Header 只附加在第一个应答帧之前
	Header []byte
	// Payload 是前导头之后携带的首段数据，同样按长度前缀解析
	Payload []byte

	Client      *http.Client
	Endpoint    string
	Timeout     time.Duration
	IdleTimeout time.Duration
	MaxLifetime time.Duration

	OnClose func()
}

type dnsRelay struct {
	sess   Session
	framer Framer
	queue  chan []byte
	sent   bool

	idle      *time.Timer
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	cause     error
}

// Run 阻塞直到连接结束。报文按到达顺序逐个转发，单个报文失败不会结束会话。
func Run(ctx context.Context, sess Session) error {
	if sess.Client == nil {
		sess.Client = http.DefaultClient
	}
	if sess.Endpoint == "" {
		sess.Endpoint = DefaultEndpoint
	}
	if sess.Timeout <= 0 {
		sess.Timeout = DefaultTimeout
	}
	r := &dnsRelay{
		sess:   sess,
		queue:  make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
	return r.run(ctx)
}

func (r *dnsRelay) run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	if r.sess.MaxLifetime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sess.MaxLifetime)
		defer cancel()
	}
	// teardown 取消 ctx，中断正在进行的 DoH 请求
	lifetime := ctx
	ctx, r.cancel = context.WithCancel(lifetime)
	defer r.cancel()
	stopCtx := context.AfterFunc(lifetime, func() {
		if errors.Is(lifetime.Err(), context.DeadlineExceeded) {
			r.teardown(relay.ErrMaxLifetime)
			return
		}
		r.teardown(lifetime.Err())
	})
	defer stopCtx()

	if r.sess.IdleTimeout > 0 {
		r.idle = time.AfterFunc(r.sess.IdleTimeout, func() { r.teardown(ErrIdleTimeout) })
		defer r.idle.Stop()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.worker(ctx)
	}()

	if len(r.sess.Payload) > 0 {
		r.enqueue(r.sess.Payload)
	}
	for !r.isClosed() {
		msg, err := r.sess.Inbound.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			r.teardown(err)
			break
		}
		r.touch()
		r.enqueue(msg)
	}
	wg.Wait()

	if dropped := r.framer.Dropped(); dropped > 0 {
		logger.Debug().Int("dropped_bytes", dropped).Msg("DNS relay: discarded oversized partial frames.")
	}
	return r.cause
}

func (r *dnsRelay) enqueue(chunk []byte) {
	for _, dgram := range r.framer.Feed(chunk) {
		select {
		case r.queue <- dgram:
		case <-r.closed:
			return
		}
	}
}

func (r *dnsRelay) worker(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	for {
		select {
		case <-r.closed:
			return
		case dgram := <-r.queue:
			logQuestion(logger, dgram)
			reply, err := r.exchange(ctx, dgram)
			if err != nil {
				logger.Debug().Err(err).Msg("DNS relay: DoH exchange failed.")
				continue
			}
			r.touch()
			if err := r.writeReply(reply); err != nil {
				r.teardown(err)
				return
			}
		}
	}
}

func (r *dnsRelay) exchange(ctx context.Context, dgram []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.sess.Timeout)
	defer cancel()
	return Exchange(ctx, r.sess.Client, r.sess.Endpoint, dgram)
}

func (r *dnsRelay) writeReply(reply []byte) error {
	var frame []byte
	if !r.sent {
		frame = append(frame, r.sess.Header...)
		r.sent = true
	}
	frame = AppendFrame(frame, reply)
	return r.sess.Inbound.WriteMessage(frame)
}

// Exchange 将原始 DNS 报文 POST 到 DoH 端点并返回原始应答
func Exchange(ctx context.Context, client *http.Client, endpoint string, msg []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessage+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxMessage {
		return nil, errors.New("doh: response too large to frame")
	}
	return body, nil
}

// logQuestion 只用于调试日志，无法解析的报文仍然原样转发
func logQuestion(logger *zerolog.Logger, dgram []byte) {
	if zerolog.GlobalLevel() > zerolog.DebugLevel || logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	var p dnsmessage.Parser
	hdr, err := p.Start(dgram)
	if err != nil {
		logger.Debug().Int("len", len(dgram)).Msg("DNS relay: forwarding unparseable datagram.")
		return
	}
	q, err := p.Question()
	if err != nil {
		logger.Debug().Uint16("id", hdr.ID).Msg("DNS relay: forwarding datagram without question.")
		return
	}
	logger.Debug().Uint16("id", hdr.ID).Str("name", q.Name.String()).Str("type", q.Type.String()).Msg("DNS relay: forwarding query.")
}

func (r *dnsRelay) touch() {
	if r.idle != nil {
		r.idle.Reset(r.sess.IdleTimeout)
	}
}

func (r *dnsRelay) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *dnsRelay) teardown(cause error) {
	r.closeOnce.Do(func() {
		r.cause = cause
		close(r.closed)
		r.cancel()
		_ = r.sess.Inbound.Close()
		if r.sess.OnClose != nil {
			r.sess.OnClose()
		}
	})
}
