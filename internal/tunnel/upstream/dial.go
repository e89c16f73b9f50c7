package upstream

import (
	"context"
	"fmt"
	"net"

	"edgerelay/internal/shared/types"
)

// Dial 按代理类型建立到 target 的隧道
func Dial(ctx context.Context, d types.Dialer, spec types.ProxySpec, target string) (net.Conn, error) {
	switch spec.Kind {
	case types.ProxySocks5:
		return DialSOCKS5(ctx, d, spec, target)
	case types.ProxyHTTPConnect:
		return DialHTTPConnect(ctx, d, spec, target)
	default:
		return nil, fmt.Errorf("upstream: proxy kind %s cannot dial", spec.Kind)
	}
}
