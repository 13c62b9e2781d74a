package decoder

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sipcapture/sipscope/protos"
)

type streamKey struct {
	srcIP   string
	dstIP   string
	srcPort uint16
	dstPort uint16
}

// StreamPool reassembles SIP messages from TCP payload, one independent
// buffer per 4-tuple direction. The two directions of a connection never
// share state.
type StreamPool struct {
	// TLSPackets counts payload on the TLS port that failed the SIP
	// candidacy check and was excluded from reassembly.
	TLSPackets int

	tlsPort uint16
	streams map[streamKey][]byte
}

func NewStreamPool(tlsPort uint16) *StreamPool {
	return &StreamPool{
		tlsPort: tlsPort,
		streams: make(map[streamKey][]byte),
	}
}

// Feed appends one TCP payload to its direction's buffer and returns all SIP
// messages that are now complete, in stream order. Non-SIP slices sharing
// the stream are discarded without halting reassembly.
func (p *StreamPool) Feed(pkt *Packet) []*protos.Message {
	if len(pkt.Payload) == 0 {
		return nil
	}

	// Traffic on the TLS port is assumed encrypted unless it passes the
	// candidacy check (plaintext SIP on 5061 happens in test setups).
	if pkt.SrcPort == p.tlsPort || pkt.DstPort == p.tlsPort {
		if !protos.IsSIP(pkt.Payload) {
			p.TLSPackets++
			return nil
		}
	}

	key := streamKey{pkt.SrcIP, pkt.DstIP, pkt.SrcPort, pkt.DstPort}
	buf := append(p.streams[key], pkt.Payload...)

	var msgs []*protos.Message
	for {
		headerEnd := findHeaderEnd(buf)
		if headerEnd < 0 {
			break
		}
		total := headerEnd + bodyLength(buf[:headerEnd])
		if len(buf) < total {
			break
		}
		slice := buf[:total:total]
		buf = buf[total:]
		if !protos.IsSIP(slice) {
			log.Debug().
				Str("src", pkt.SrcIP).Str("dst", pkt.DstIP).
				Int("len", total).
				Msg("discarding non-SIP slice from tcp stream")
			continue
		}
		msg := protos.ParseMessage(slice, pkt.Timestamp,
			protos.Endpoint{IP: pkt.SrcIP, Port: pkt.SrcPort},
			protos.Endpoint{IP: pkt.DstIP, Port: pkt.DstPort},
			"tcp")
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}

	p.streams[key] = buf
	return msgs
}

// findHeaderEnd returns the offset just past the header terminator, -1 if
// the buffer does not yet hold a complete header block.
func findHeaderEnd(buf []byte) int {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx != -1 {
		return idx + 4
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx != -1 {
		return idx + 2
	}
	return -1
}

// bodyLength reads Content-Length from a header block, with folding applied
// and the start line skipped. Absent or non-numeric values mean 0.
func bodyLength(header []byte) int {
	text := strings.ToValidUTF8(string(header), "�")
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return 0
	}

	var merged []string
	for _, raw := range lines[1:] {
		line := strings.TrimSuffix(raw, "\r")
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(merged) > 0 {
			merged[len(merged)-1] += " " + strings.TrimSpace(line)
		} else {
			merged = append(merged, strings.TrimSpace(line))
		}
	}

	for _, line := range merged {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(name)) == "content-length" {
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
