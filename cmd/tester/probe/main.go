// probe 通过隧道端点请求一个目标，打印收到的前若干字节，用于手工验证部署。
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"edgerelay/internal/protocol"
	"edgerelay/internal/shared"
	"edgerelay/internal/shared/config"
	"edgerelay/internal/shared/logger"
	"edgerelay/internal/shared/types"
)

func main() {
	fmt.Println("--- edgerelay Tunnel Probe ---")
	configDir := flag.String("configdir", "configs", "Path to config directory")
	endpoint := flag.String("url", "ws://127.0.0.1:8080/", "Tunnel endpoint URL")
	target := flag.String("target", "example.com:80", "Destination host:port")
	payload := flag.String("payload", "HEAD / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n", "Bytes to send after the preamble")
	early := flag.Bool("early", true, "Carry the preamble in Sec-WebSocket-Protocol")
	timeout := flag.Duration("timeout", 10*time.Second, "Overall timeout")
	flag.Parse()

	// 1. 加载 edgerelay.ini 获取密钥和日志配置
	iniPath := filepath.Join(*configDir, "edgerelay.ini")
	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		log.Fatalf("Error loading main .ini config: %v", err)
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}
	secret, err := config.ParseSecret(cfg.ServerConf.Secret)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid secret")
	}

	host, port, err := config.SplitHostPortDefault(*target, 80)
	if err != nil {
		logger.Fatal().Err(err).Str("target", *target).Msg("Invalid target")
	}

	// 2. 编码前导头
	preamble, err := protocol.Encode(&protocol.Request{
		Secret:  secret,
		Command: protocol.CommandTCP,
		Host:    host,
		Port:    uint16(port),
		Payload: []byte(*payload),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to encode preamble")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	header := http.Header{}
	if *early {
		header.Set("Sec-WebSocket-Protocol", base64.RawURLEncoding.EncodeToString(preamble))
	}
	start := time.Now()
	conn, resp, err := shared.DialMessageConn(ctx, *endpoint, header)
	if err != nil {
		if resp != nil {
			logger.Fatal().Err(err).Int("status", resp.StatusCode).Msg("Handshake rejected")
		}
		logger.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()
	logger.Info().Dur("handshake", time.Since(start)).Msg("Connected to tunnel endpoint")

	// 3. 没有早期数据时，第一条消息即前导头
	if !*early {
		if err := conn.WriteMessage(preamble); err != nil {
			logger.Fatal().Err(err).Msg("Failed to send preamble")
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		logger.Fatal().Err(err).Msg("No response from target")
	}
	if len(msg) < 2 || msg[1] != 0 {
		logger.Fatal().Hex("head", msg[:min(len(msg), 2)]).Msg("Unexpected response header")
	}
	logger.Info().Dur("first_byte", time.Since(start)).Int("bytes", len(msg)-2).Msg("Received response")
	body := msg[2:]
	if len(body) > 512 {
		body = body[:512]
	}
	os.Stdout.Write(body)
	fmt.Println()
}
