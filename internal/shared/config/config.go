package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	ini "gopkg.in/ini.v1"

	"edgerelay/internal/shared/types"
)

const (
	DefaultListen         = "0.0.0.0:8080"
	DefaultPath           = "/"
	DefaultMaxConnections = 512
	DefaultBufferSize     = 32 * 1024
	DefaultDoHURL         = "https://1.1.1.1/dns-query"
	// DefaultNAT64Prefix 是 RFC 6052 的知名前缀，nat64_prefix = default 时使用
	DefaultNAT64Prefix = "64:ff9b::/96"

	DefaultSocks5Port = 1080
	DefaultHTTPPort   = 3128
)

// LoadIni 从指定的 fileName 加载配置到传入的 types.Config 结构体中。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return loadFrom(cfg, iniFile)
}

// LoadIniBytes 与 LoadIni 相同，但从内存读取，主要用于测试。
func LoadIniBytes(cfg *types.Config, data []byte) error {
	iniFile, err := ini.Load(data)
	if err != nil {
		return err
	}
	return loadFrom(cfg, iniFile)
}

func loadFrom(cfg *types.Config, iniFile *ini.File) error {
	// allow_path_override 默认开启，必须在 MapTo 之前设置
	cfg.ServerConf.AllowPathOverride = true
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}

	overrideFromEnvString(&cfg.ServerConf.Secret, "EDGERELAY_SECRET")
	overrideFromEnvString(&cfg.ServerConf.Listen, "EDGERELAY_LISTEN")
	overrideFromEnvString(&cfg.TunnelConf.Fallback, "EDGERELAY_FALLBACK")
	overrideFromEnvString(&cfg.TunnelConf.Proxy, "EDGERELAY_PROXY")
	overrideFromEnvBool(&cfg.TunnelConf.GlobalProxy, "EDGERELAY_GLOBAL_PROXY")
	overrideFromEnvInt(&cfg.ServerConf.MaxConnections, "EDGERELAY_MAX_CONNECTIONS")

	ApplyDefaults(cfg)
	return Validate(cfg)
}

// ApplyDefaults 为所有零值字段填充默认值。
func ApplyDefaults(cfg *types.Config) {
	s := &cfg.ServerConf
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	if s.Path == "" {
		s.Path = DefaultPath
	}
	if s.MaxConnections <= 0 {
		s.MaxConnections = DefaultMaxConnections
	}
	if s.BufferSize <= 0 {
		s.BufferSize = DefaultBufferSize
	}
	if s.ClientBurst <= 0 {
		s.ClientBurst = 20
	}

	t := &cfg.TimeoutConf
	setDuration(&t.Direct, 12*time.Second)
	setDuration(&t.Proxy, 12*time.Second)
	setDuration(&t.NAT64, 12*time.Second)
	setDuration(&t.Write, 30*time.Second)
	setDuration(&t.Idle, 5*time.Minute)
	setDuration(&t.MaxLifetime, 2*time.Hour)
	setDuration(&t.DNS, 12*time.Second)
	setDuration(&t.Handshake, 10*time.Second)

	d := &cfg.DNSConf
	if d.DoHURL == "" {
		d.DoHURL = DefaultDoHURL
	}
	if d.TXTMode == "" {
		d.TXTMode = "json"
	}
	setDuration(&d.TXTTTL, 5*time.Minute)
	if d.MaxEntries <= 0 {
		d.MaxEntries = 1024
	}

	if cfg.LogConf.Level == "" {
		cfg.LogConf.Level = "info"
	}
	if cfg.LogConf.Format == "" {
		cfg.LogConf.Format = "console"
	}
}

// Validate 检查配置的一致性。
func Validate(cfg *types.Config) error {
	if _, err := ParseSecret(cfg.ServerConf.Secret); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(cfg.ServerConf.Listen); err != nil {
		return fmt.Errorf("config: invalid listen address %q: %w", cfg.ServerConf.Listen, err)
	}
	if !strings.HasPrefix(cfg.ServerConf.Path, "/") {
		return fmt.Errorf("config: path must start with '/': %q", cfg.ServerConf.Path)
	}
	if cfg.TunnelConf.Proxy != "" {
		if _, err := ParseProxySpec(cfg.TunnelConf.Proxy); err != nil {
			return err
		}
	}
	if _, err := ParseNAT64Prefix(cfg.TunnelConf.NAT64Prefix); err != nil {
		return err
	}
	switch strings.ToLower(cfg.DNSConf.TXTMode) {
	case "json", "wire":
	default:
		return fmt.Errorf("config: unknown txt_mode %q", cfg.DNSConf.TXTMode)
	}
	return nil
}

// ParseNAT64Prefix 解析 NAT64 前缀。空字符串表示禁用，返回无效的 Prefix。
func ParseNAT64Prefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "off", "false":
		return netip.Prefix{}, nil
	case "default", "on", "true":
		s = DefaultNAT64Prefix
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("config: invalid nat64_prefix %q: %w", s, err)
	}
	if !prefix.Addr().Is6() || prefix.Bits() != 96 {
		return netip.Prefix{}, fmt.Errorf("config: nat64_prefix %q must be an IPv6 /96", s)
	}
	return prefix.Masked(), nil
}

// ParseSecret 将 UUID 字符串解析为 16 字节的密钥。
func ParseSecret(s string) ([16]byte, error) {
	if s == "" {
		return [16]byte{}, errors.New("config: secret is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("config: secret must be a UUID: %w", err)
	}
	return id, nil
}

// ParseProxySpec 解析上游代理描述：
// socks5://[user:pass@]host[:port]、http://[user:pass@]host[:port]，无 scheme 时视为 socks5。
// 省略端口时 socks5 默认 1080，http 默认 3128。
func ParseProxySpec(s string) (types.ProxySpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.ProxySpec{}, nil
	}

	spec := types.ProxySpec{Kind: types.ProxySocks5}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "socks5://"), strings.HasPrefix(lower, "socks://"):
		s = s[strings.Index(s, "://")+3:]
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		spec.Kind = types.ProxyHTTPConnect
		s = s[strings.Index(s, "://")+3:]
	case strings.Contains(lower, "://"):
		return types.ProxySpec{}, fmt.Errorf("config: unsupported proxy scheme in %q", s)
	}
	s = strings.TrimSuffix(s, "/")

	hostPort := s
	if at := strings.LastIndex(s, "@"); at != -1 {
		hostPort = s[at+1:]
		userInfo := s[:at]
		if ci := strings.Index(userInfo, ":"); ci != -1 {
			spec.User = userInfo[:ci]
			spec.Pass = userInfo[ci+1:]
		}
	}

	defaultPort := DefaultSocks5Port
	if spec.Kind == types.ProxyHTTPConnect {
		defaultPort = DefaultHTTPPort
	}
	host, port, err := SplitHostPortDefault(hostPort, defaultPort)
	if err != nil {
		return types.ProxySpec{}, fmt.Errorf("config: invalid proxy address %q: %w", hostPort, err)
	}
	spec.Host = host
	spec.Port = port
	return spec, nil
}

// ParseFallbackSpec 解析回退目标。txt@domain 为查询键形式，
// 否则为静态 host[:port]，端口为 0 表示沿用目标端口。
func ParseFallbackSpec(s string) types.FallbackSpec {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.FallbackSpec{}
	}
	if len(s) > 4 && strings.EqualFold(s[:4], "txt@") {
		return types.FallbackSpec{LookupKey: s[4:]}
	}
	host, port, err := SplitHostPortDefault(s, 0)
	if err != nil {
		return types.FallbackSpec{Host: s}
	}
	return types.FallbackSpec{Host: host, Port: port}
}

// SplitHostPortDefault 解析 host[:port]，支持 [v6]:port 和裸 IPv6。
func SplitHostPortDefault(s string, defaultPort int) (string, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, errors.New("empty address")
	}
	if s[0] == '[' {
		end := strings.Index(s, "]")
		if end <= 1 {
			return "", 0, fmt.Errorf("unterminated IPv6 literal %q", s)
		}
		host := s[1:end]
		rest := s[end+1:]
		if rest == "" {
			return host, defaultPort, nil
		}
		if rest[0] != ':' {
			return "", 0, fmt.Errorf("unexpected %q after IPv6 literal", rest)
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return "", 0, err
		}
		return host, port, nil
	}
	first, last := strings.Index(s, ":"), strings.LastIndex(s, ":")
	if last == -1 || first != last {
		// 无端口，或未加括号的 IPv6
		return s, defaultPort, nil
	}
	if last == 0 {
		return "", 0, fmt.Errorf("missing host in %q", s)
	}
	port, err := parsePort(s[last+1:])
	if err != nil {
		return "", 0, err
	}
	return s[:last], port, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func setDuration(target *time.Duration, def time.Duration) {
	if *target <= 0 {
		*target = def
	}
}

// overrideFromEnvInt 是一个私有辅助函数
func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvBool(target *bool, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		if b, err := strconv.ParseBool(envValue); err == nil {
			*target = b
		}
	}
}
