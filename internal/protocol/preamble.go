// Package protocol 实现入站前导头 (preamble) 的二进制编解码。
//
// 布局: ver(1) | secret(16) | addonLen(1) | addons(addonLen) | cmd(1) | port(2,BE) | atyp(1) | addr(var) | payload(rest)
package protocol

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/crypto/cryptobyte"
)

const (
	SecretLen      = 16
	MaxAddonLen    = 64
	MaxDomainLen   = 253
	MinPreambleLen = 24
)

type Command byte

const (
	CommandTCP Command = 1
	CommandUDP Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandTCP:
		return "tcp"
	case CommandUDP:
		return "udp"
	default:
		return "cmd(" + strconv.Itoa(int(c)) + ")"
	}
}

type AddressKind byte

const (
	AddrIPv4   AddressKind = 1
	AddrDomain AddressKind = 2
	AddrIPv6   AddressKind = 3
)

var (
	// ErrProtocol 是所有前导头解析错误的根错误
	ErrProtocol       = errors.New("protocol error")
	ErrShortPreamble  = fmt.Errorf("%w: preamble too short", ErrProtocol)
	ErrSecretMismatch = fmt.Errorf("%w: secret mismatch", ErrProtocol)
	ErrAddonOverflow  = fmt.Errorf("%w: addon block overflow", ErrProtocol)
	ErrBadCommand     = fmt.Errorf("%w: unsupported command", ErrProtocol)
	ErrBadAddressType = fmt.Errorf("%w: unsupported address type", ErrProtocol)
	ErrTruncated      = fmt.Errorf("%w: truncated field", ErrProtocol)
	ErrBadDomain      = fmt.Errorf("%w: invalid domain", ErrProtocol)
)

// Request 是解码后的前导头，解码后不可变。
type Request struct {
	Version     byte
	Secret      [SecretLen]byte
	Command     Command
	Host        string
	Port        uint16
	AddressKind AddressKind
	// Payload 为前导头之后需要立即转发的数据
	Payload []byte
}

// Address 返回 host:port
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// IsDNS 报告该请求是否走 DoH UDP 中继
func (r *Request) IsDNS() bool {
	return r.Command == CommandUDP && r.Port == 53
}

// ResponseHeader 返回下行首包需要附加的响应头 [version, 0]
func ResponseHeader(version byte) []byte {
	return []byte{version, 0}
}

// Decode 解析前导头并校验密钥。任何错误都不会产生副作用。
func Decode(b []byte, secret [SecretLen]byte) (*Request, error) {
	req, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(req.Secret[:], secret[:]) != 1 {
		return nil, ErrSecretMismatch
	}
	return req, nil
}

// Parse 只做结构解析，不校验密钥。
func Parse(b []byte) (*Request, error) {
	if len(b) < MinPreambleLen {
		return nil, ErrShortPreamble
	}
	s := cryptobyte.String(b)
	req := &Request{}

	var secret []byte
	if !s.ReadUint8(&req.Version) || !s.ReadBytes(&secret, SecretLen) {
		return nil, ErrShortPreamble
	}
	copy(req.Secret[:], secret)

	var addons cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&addons) || len(addons) > MaxAddonLen {
		return nil, ErrAddonOverflow
	}

	var cmd, atyp uint8
	if !s.ReadUint8(&cmd) {
		return nil, ErrTruncated
	}
	req.Command = Command(cmd)
	if req.Command != CommandTCP && req.Command != CommandUDP {
		return nil, ErrBadCommand
	}
	if !s.ReadUint16(&req.Port) || !s.ReadUint8(&atyp) {
		return nil, ErrTruncated
	}
	req.AddressKind = AddressKind(atyp)

	switch req.AddressKind {
	case AddrIPv4:
		var raw []byte
		if !s.ReadBytes(&raw, 4) {
			return nil, ErrTruncated
		}
		req.Host = netip.AddrFrom4([4]byte(raw)).String()
	case AddrDomain:
		var domain cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&domain) {
			return nil, ErrTruncated
		}
		if len(domain) == 0 || len(domain) > MaxDomainLen {
			return nil, ErrBadDomain
		}
		req.Host = string(domain)
	case AddrIPv6:
		var raw []byte
		if !s.ReadBytes(&raw, 16) {
			return nil, ErrTruncated
		}
		req.Host = netip.AddrFrom16([16]byte(raw)).String()
	default:
		return nil, ErrBadAddressType
	}

	req.Payload = []byte(s)
	return req, nil
}

// Encode 是 Parse 的逆操作，供客户端和测试使用。
func Encode(req *Request) ([]byte, error) {
	return AppendRequest(nil, req)
}

// AppendRequest 将编码后的前导头追加到 dst。
func AppendRequest(dst []byte, req *Request) ([]byte, error) {
	if req.Command != CommandTCP && req.Command != CommandUDP {
		return nil, ErrBadCommand
	}
	b := cryptobyte.NewBuilder(dst)
	b.AddUint8(req.Version)
	b.AddBytes(req.Secret[:])
	b.AddUint8(0) // no addons
	b.AddUint8(byte(req.Command))
	b.AddUint16(req.Port)

	kind := req.AddressKind
	if kind == 0 {
		kind = kindOf(req.Host)
	}
	switch kind {
	case AddrIPv4:
		ip, err := netip.ParseAddr(req.Host)
		if err != nil || !ip.Unmap().Is4() {
			return nil, fmt.Errorf("%w: %q is not an IPv4 address", ErrBadAddressType, req.Host)
		}
		b.AddUint8(byte(AddrIPv4))
		a4 := ip.Unmap().As4()
		b.AddBytes(a4[:])
	case AddrDomain:
		if len(req.Host) == 0 || len(req.Host) > MaxDomainLen {
			return nil, ErrBadDomain
		}
		b.AddUint8(byte(AddrDomain))
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(req.Host))
		})
	case AddrIPv6:
		ip, err := netip.ParseAddr(req.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an IPv6 address", ErrBadAddressType, req.Host)
		}
		b.AddUint8(byte(AddrIPv6))
		a16 := ip.As16()
		b.AddBytes(a16[:])
	default:
		return nil, ErrBadAddressType
	}
	b.AddBytes(req.Payload)
	return b.Bytes()
}

func kindOf(host string) AddressKind {
	ip, err := netip.ParseAddr(host)
	switch {
	case err != nil:
		return AddrDomain
	case ip.Is4() || ip.Is4In6():
		return AddrIPv4
	default:
		return AddrIPv6
	}
}
