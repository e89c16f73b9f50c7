// Package dnsrelay 将入站的长度前缀 DNS 报文通过 DoH 转发并把应答按同样的格式回写。
package dnsrelay

import "encoding/binary"

// MaxPending 是等待补齐的半个报文允许占用的最大字节数，超出即丢弃
const MaxPending = 4096

// Framer 将 2 字节大端长度前缀的字节流重组为完整报文。非并发安全。
type Framer struct {
	pending []byte
	dropped int
}

// Feed 追加一段数据，返回其中所有已经完整的报文。
func (f *Framer) Feed(chunk []byte) [][]byte {
	data := chunk
	if len(f.pending) > 0 {
		data = append(f.pending, chunk...)
		f.pending = nil
	}

	var out [][]byte
	i := 0
	for i+2 <= len(data) {
		l := int(binary.BigEndian.Uint16(data[i:]))
		if i+2+l > len(data) {
			break
		}
		out = append(out, append([]byte(nil), data[i+2:i+2+l]...))
		i += 2 + l
	}
	if rest := data[i:]; len(rest) > 0 {
		if len(rest) > MaxPending {
			f.dropped += len(rest)
		} else {
			f.pending = append([]byte(nil), rest...)
		}
	}
	return out
}

// Pending 返回尚未组成完整报文的字节数
func (f *Framer) Pending() int { return len(f.pending) }

// Dropped 返回因超出 MaxPending 而丢弃的字节总数
func (f *Framer) Dropped() int { return f.dropped }

// AppendFrame 将 msg 加上长度前缀追加到 dst
func AppendFrame(dst, msg []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(msg)))
	return append(dst, msg...)
}
