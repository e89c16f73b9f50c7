package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"edgerelay/internal/core/access"
	"edgerelay/internal/protocol"
	"edgerelay/internal/shared/sockopt"
	"edgerelay/internal/shared/types"
	"edgerelay/internal/tunnel/fallback"
	"edgerelay/internal/tunnel/upstream"
)

// ErrNoResponse 表示传输建立后未收到任何数据就结束了，用于记录重试原因
var ErrNoResponse = errors.New("broker: transport closed without response")

// CandidateResolver 将回退查询键解析为候选地址，*fallback.Resolver 满足它
type CandidateResolver interface {
	Resolve(ctx context.Context, key string) ([]fallback.Candidate, error)
}

// Broker 持有所有连接共享的出站依赖
type Broker struct {
	dialer   types.Dialer
	resolver CandidateResolver
	acl      *access.ACL
	timeouts types.TimeoutConf
}

// Config 构建 Broker 的参数，Dialer 为空时使用 NewDialer
type Config struct {
	Dialer   types.Dialer
	Resolver CandidateResolver
	ACL      *access.ACL
	Timeouts types.TimeoutConf
}

// New 创建 Broker
func New(cfg Config) *Broker {
	d := cfg.Dialer
	if d == nil {
		d = NewDialer(cfg.Timeouts.Write)
	}
	return &Broker{
		dialer:   d,
		resolver: cfg.Resolver,
		acl:      cfg.ACL,
		timeouts: cfg.Timeouts,
	}
}

// NewDialer 返回出站使用的 net.Dialer，Linux 上设置 TCP_USER_TIMEOUT
func NewDialer(userTimeout time.Duration) *net.Dialer {
	return &net.Dialer{
		KeepAlive: 30 * time.Second,
		Control:   sockopt.Control(userTimeout),
	}
}

// Result 是一次成功建立的传输
type Result struct {
	Conn     net.Conn
	Strategy Strategy
	Target   string
	// Failures 是在此之前按顺序失败的尝试
	Failures []AttemptError

	broker *Broker
	req    *protocol.Request
	plan   []Strategy
	index  int
}

// Connect 按计划依次尝试，返回第一个成功的传输；全部失败时返回 *ConnectError。
// 目标被访问控制拒绝时不做任何拨号。
func (b *Broker) Connect(ctx context.Context, req *protocol.Request, plan []Strategy) (*Result, error) {
	if err := b.CheckAccess(req); err != nil {
		return nil, err
	}
	return b.connectFrom(ctx, req, plan, 0, nil)
}

// CheckAccess 检查目标是否被访问控制允许，返回包装了 access.ErrDenied 的错误
func (b *Broker) CheckAccess(req *protocol.Request) error {
	return b.acl.Check(req.Host, req.Port)
}

// Next 关闭当前传输，并从计划中的下一个策略继续。cause 记录为当前策略的失败原因。
func (r *Result) Next(ctx context.Context, cause error) (*Result, error) {
	if r.Conn != nil {
		_ = r.Conn.Close()
	}
	if cause == nil {
		cause = ErrNoResponse
	}
	failures := append(cloneFailures(r.Failures), AttemptError{Strategy: r.Strategy.Kind, Target: r.Target, Err: cause})
	return r.broker.connectFrom(ctx, r.req, r.plan, r.index+1, failures)
}

func (b *Broker) connectFrom(ctx context.Context, req *protocol.Request, plan []Strategy, start int, failures []AttemptError) (*Result, error) {
	logger := zerolog.Ctx(ctx)
	for i := start; i < len(plan); i++ {
		if err := ctx.Err(); err != nil {
			failures = append(failures, AttemptError{Strategy: plan[i].Kind, Err: err})
			break
		}
		s := plan[i]
		conn, target, err := b.attempt(ctx, req, s)
		if err != nil {
			logger.Debug().Err(err).Str("strategy", s.Kind.String()).Str("target", target).Msg("Broker: strategy failed.")
			failures = append(failures, AttemptError{Strategy: s.Kind, Target: target, Err: err})
			continue
		}
		logger.Debug().Str("strategy", s.Kind.String()).Str("target", target).Msg("Broker: transport established.")
		return &Result{
			Conn:     conn,
			Strategy: s,
			Target:   target,
			Failures: failures,
			broker:   b,
			req:      req,
			plan:     plan,
			index:    i,
		}, nil
	}
	return nil, &ConnectError{Attempts: failures}
}

// attempt 在该策略自己的超时内执行一次拨号
func (b *Broker) attempt(ctx context.Context, req *protocol.Request, s Strategy) (net.Conn, string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeoutFor(s.Kind))
	defer cancel()

	switch s.Kind {
	case KindDirect:
		target := req.Address()
		conn, err := b.dialer.DialContext(ctx, "tcp", target)
		return conn, target, err

	case KindSocks5, KindHTTPConnect:
		target := req.Address()
		conn, err := upstream.Dial(ctx, b.dialer, s.Proxy, target)
		return conn, s.Proxy.Address() + "->" + target, err

	case KindRawFallback:
		target, err := b.fallbackTarget(ctx, req, s.Fallback)
		if err != nil {
			return nil, s.Fallback.LookupKey, err
		}
		conn, err := b.dialer.DialContext(ctx, "tcp", target)
		return conn, target, err

	case KindAddressTranslation:
		target := net.JoinHostPort(s.Translated.String(), strconv.Itoa(int(req.Port)))
		conn, err := b.dialer.DialContext(ctx, "tcp", target)
		return conn, target, err

	default:
		return nil, "", fmt.Errorf("broker: unknown strategy %d", s.Kind)
	}
}

func (b *Broker) fallbackTarget(ctx context.Context, req *protocol.Request, spec types.FallbackSpec) (string, error) {
	if spec.LookupKey == "" {
		port := spec.Port
		if port == 0 {
			port = int(req.Port)
		}
		return net.JoinHostPort(spec.Host, strconv.Itoa(port)), nil
	}
	if b.resolver == nil {
		return "", fmt.Errorf("%w: no resolver configured", fallback.ErrLookup)
	}
	cs, err := b.resolver.Resolve(ctx, spec.LookupKey)
	if err != nil {
		return "", err
	}
	return fallback.Pick(cs).Address(), nil
}

func (b *Broker) timeoutFor(k Kind) time.Duration {
	var d time.Duration
	switch k {
	case KindDirect:
		d = b.timeouts.Direct
	case KindSocks5, KindHTTPConnect, KindRawFallback:
		d = b.timeouts.Proxy
	case KindAddressTranslation:
		d = b.timeouts.NAT64
	}
	if d <= 0 {
		d = 12 * time.Second
	}
	return d
}

func cloneFailures(in []AttemptError) []AttemptError {
	out := make([]AttemptError, len(in), len(in)+1)
	copy(out, in)
	return out
}
