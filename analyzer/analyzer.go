// Package analyzer turns a captured byte buffer into structured SIP call
// data. It is a single synchronous pass: one capture in, one Result out.
package analyzer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"

	"github.com/sipcapture/sipscope/config"
	"github.com/sipcapture/sipscope/decoder"
	"github.com/sipcapture/sipscope/promstats"
	"github.com/sipcapture/sipscope/protos"
)

var (
	// ErrCorruptCapture means the capture container header is not
	// recognized. The whole analysis aborts; no partial result exists.
	ErrCorruptCapture = errors.New("corrupt capture")

	// ErrInvalidRange means a port range specifier is not N or N-M.
	ErrInvalidRange = errors.New("invalid port range")

	// ErrCaptureTooLarge means the buffer exceeds the configured ceiling.
	ErrCaptureTooLarge = errors.New("capture exceeds size ceiling")
)

// Result is one capture pass. The derived views (Calls, Registrations,
// CallStats, SDPSessions) are read-only over Messages.
type Result struct {
	Messages    []*protos.Message `json:"messages"`
	PacketCount int               `json:"packet_count"`
	TLSPackets  int               `json:"tls_packets"`
	Stats       decoder.Stats     `json:"decode_stats"`
}

// Analyzer binds configuration and the optional filter script to capture
// passes. One Analyzer may run many passes.
type Analyzer struct {
	cfg    *config.Config
	engine *decoder.ScriptEngine
}

func New(cfg *config.Config) (*Analyzer, error) {
	engine, err := decoder.NewScriptEngine(cfg.ScriptFile)
	if err != nil {
		return nil, err
	}
	return &Analyzer{cfg: cfg, engine: engine}, nil
}

func (a *Analyzer) Close() {
	a.engine.Close()
}

// Analyze walks every frame of the capture buffer, decodes UDP SIP payloads
// directly and TCP payloads through per-direction reassembly, and collects
// all parsed messages in capture order. A malformed record truncates the
// walk instead of aborting it; only an unrecognized container header fails.
func (a *Analyzer) Analyze(data []byte) (*Result, error) {
	if a.cfg.MaxCaptureBytes > 0 && len(data) > a.cfg.MaxCaptureBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrCaptureTooLarge, len(data), a.cfg.MaxCaptureBytes)
	}

	reader, err := pcapgo.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCapture, err)
	}

	d := decoder.NewDecoder(a.cfg.Dedup)
	pool := decoder.NewStreamPool(a.cfg.TLSPort)
	res := &Result{}

	for {
		frame, ci, err := reader.ReadPacketData()
		if err != nil {
			// Captures are sometimes truncated mid-write; keep what
			// decoded so far.
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Int("frames", res.PacketCount).Msg("capture truncated")
			}
			break
		}
		res.PacketCount++

		pkt := d.Process(frame, &ci)
		if pkt == nil {
			continue
		}

		switch pkt.Transport {
		case "udp":
			if !protos.IsSIP(pkt.Payload) {
				continue
			}
			msg := protos.ParseMessage(pkt.Payload, pkt.Timestamp,
				protos.Endpoint{IP: pkt.SrcIP, Port: pkt.SrcPort},
				protos.Endpoint{IP: pkt.DstIP, Port: pkt.DstPort},
				"udp")
			if msg != nil {
				a.keep(res, msg)
			}
		case "tcp":
			for _, msg := range pool.Feed(pkt) {
				a.keep(res, msg)
			}
		}
	}

	res.TLSPackets = pool.TLSPackets
	res.Stats = d.Stats

	promstats.PacketsTotal.Add(float64(res.PacketCount))
	promstats.SIPMessages.Add(float64(len(res.Messages)))
	promstats.TLSPackets.Add(float64(res.TLSPackets))
	promstats.DecodeSkips.Add(float64(res.Stats.LinkSkips + res.Stats.NonIPv4 + res.Stats.OtherTransport))

	log.Info().
		Int("packets", res.PacketCount).
		Int("messages", len(res.Messages)).
		Int("tls_packets", res.TLSPackets).
		Msg("capture analyzed")
	return res, nil
}

func (a *Analyzer) keep(res *Result, msg *protos.Message) {
	if !a.engine.Filter(msg) {
		promstats.FilteredMessages.Inc()
		return
	}
	res.Messages = append(res.Messages, msg)
}

// RangeCount is the result of the UDP port-range pass.
type RangeCount struct {
	PortRange    string   `json:"port_range"`
	PacketCount  int      `json:"packet_count"`
	Sources      []string `json:"sources"`
	Destinations []string `json:"destinations"`
}

// ParsePortRange parses N or N-M into an inclusive interval.
func ParsePortRange(s string) (uint16, uint16, error) {
	if s == "" {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidRange)
	}
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	return uint16(start), uint16(end), nil
}

// CountUDPRange is an independent pass counting UDP packets with either
// endpoint port inside the inclusive range, used for RTP volume checks.
func (a *Analyzer) CountUDPRange(data []byte, portRange string) (*RangeCount, error) {
	start, end, err := ParsePortRange(portRange)
	if err != nil {
		return nil, err
	}

	reader, rerr := pcapgo.NewReader(bytes.NewReader(data))
	if rerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCapture, rerr)
	}

	d := decoder.NewDecoder(false)
	sources := make(map[string]struct{})
	destinations := make(map[string]struct{})
	rc := &RangeCount{PortRange: portRange}

	for {
		frame, ci, err := reader.ReadPacketData()
		if err != nil {
			break
		}
		pkt := d.Process(frame, &ci)
		if pkt == nil || pkt.Transport != "udp" {
			continue
		}
		inRange := (pkt.SrcPort >= start && pkt.SrcPort <= end) ||
			(pkt.DstPort >= start && pkt.DstPort <= end)
		if !inRange {
			continue
		}
		rc.PacketCount++
		sources[pkt.SrcIP] = struct{}{}
		destinations[pkt.DstIP] = struct{}{}
	}

	rc.Sources = sortedKeys(sources)
	rc.Destinations = sortedKeys(destinations)
	return rc, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
