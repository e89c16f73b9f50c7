// Package broker 按固定顺序尝试出站策略，直到有一个建立成功。
package broker

import (
	"net/netip"

	"edgerelay/internal/protocol"
	"edgerelay/internal/shared/types"
)

// Kind 是出站策略的类型标签
type Kind int

const (
	KindDirect Kind = iota
	KindSocks5
	KindHTTPConnect
	KindRawFallback
	KindAddressTranslation
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindSocks5:
		return "socks5"
	case KindHTTPConnect:
		return "http-connect"
	case KindRawFallback:
		return "fallback"
	case KindAddressTranslation:
		return "nat64"
	default:
		return "unknown"
	}
}

// Strategy 是计划中的一步。只有与 Kind 对应的字段有意义。
type Strategy struct {
	Kind     Kind
	Proxy    types.ProxySpec
	Fallback types.FallbackSpec
	// Translated 是 NAT64 合成出的 IPv6 地址
	Translated netip.Addr
}

// Options 描述单个连接可用的出站配置
type Options struct {
	Proxy       types.ProxySpec
	GlobalProxy bool
	Fallback    types.FallbackSpec
	// NAT64Prefix 无效时不启用地址族转换
	NAT64Prefix netip.Prefix
}

// Plan 为一个请求构建策略列表。顺序固定：
// 全局代理时只有代理；否则 直连、代理、回退、NAT64，未配置的项跳过。
func Plan(req *protocol.Request, opts Options) []Strategy {
	proxy, hasProxy := proxyStrategy(opts.Proxy)
	if opts.GlobalProxy && hasProxy {
		return []Strategy{proxy}
	}

	plan := []Strategy{{Kind: KindDirect}}
	if hasProxy {
		plan = append(plan, proxy)
	}
	if opts.Fallback.Configured() {
		plan = append(plan, Strategy{Kind: KindRawFallback, Fallback: opts.Fallback})
	}
	if opts.NAT64Prefix.IsValid() {
		if v4, ok := ipv4Literal(req); ok {
			if addr, err := SynthesizeNAT64(opts.NAT64Prefix, v4); err == nil {
				plan = append(plan, Strategy{Kind: KindAddressTranslation, Translated: addr})
			}
		}
	}
	return plan
}

func proxyStrategy(spec types.ProxySpec) (Strategy, bool) {
	if !spec.Configured() {
		return Strategy{}, false
	}
	switch spec.Kind {
	case types.ProxySocks5:
		return Strategy{Kind: KindSocks5, Proxy: spec}, true
	case types.ProxyHTTPConnect:
		return Strategy{Kind: KindHTTPConnect, Proxy: spec}, true
	default:
		return Strategy{}, false
	}
}

// ipv4Literal 只对 IPv4 字面量目标返回 true，域名和 IPv6 永远不做地址族转换
func ipv4Literal(req *protocol.Request) (netip.Addr, bool) {
	if req.AddressKind == protocol.AddrDomain {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(req.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return netip.Addr{}, false
	}
	return ip, true
}
