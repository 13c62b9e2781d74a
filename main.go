package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sipcapture/sipscope/analyzer"
	"github.com/sipcapture/sipscope/config"
	"github.com/sipcapture/sipscope/promstats"
)

const version = "sipscope 0.9"

type flags struct {
	readFile    string
	showCalls   bool
	showReg     bool
	showStats   bool
	showSDP     bool
	rtpRange    string
	callID      string
	number      string
	summaryOnly bool
	dedup       bool
	scriptFile  string
	promAddr    string
	logLevel    string
	showVersion bool
}

func createFlags() *flags {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Use %s like: %s [option]\n", version, os.Args[0])
		flag.PrintDefaults()
	}

	f := &flags{}
	flag.StringVar(&f.readFile, "rf", "", "Read pcap file")
	flag.BoolVar(&f.showCalls, "calls", false, "Show call flows")
	flag.BoolVar(&f.showReg, "reg", false, "Show REGISTER dialogs")
	flag.BoolVar(&f.showStats, "stats", false, "Show call statistics")
	flag.BoolVar(&f.showSDP, "sdp", false, "Show negotiated SDP sessions")
	flag.StringVar(&f.rtpRange, "rtp", "", "Count UDP packets in port range [N or N-M]")
	flag.StringVar(&f.callID, "cid", "", "Filter by Call-ID")
	flag.StringVar(&f.number, "number", "", "Filter calls by phone number substring")
	flag.BoolVar(&f.summaryOnly, "summary", false, "Omit per-call message timelines")
	flag.BoolVar(&f.dedup, "dd", false, "Deduplicate packets")
	flag.StringVar(&f.scriptFile, "script", "", "Lua filter script")
	flag.StringVar(&f.promAddr, "prom", "", "Prometheus metrics listen address")
	flag.StringVar(&f.logLevel, "l", "info", "Log level [debug, info, warn, error]")
	flag.BoolVar(&f.showVersion, "version", false, "Show sipscope version")
	flag.Parse()
	return f
}

type report struct {
	PcapFile     string                       `json:"pcap_file"`
	PacketCount  int                          `json:"packet_count"`
	TLSPackets   int                          `json:"tls_packets"`
	MessageCount int                          `json:"message_count"`
	Calls        []analyzer.Call              `json:"calls,omitempty"`
	CallCount    int                          `json:"call_count,omitempty"`
	Reg          *analyzer.RegistrationReport `json:"registrations,omitempty"`
	Stats        *analyzer.CallStats          `json:"call_stats,omitempty"`
	SDP          []analyzer.SDPSession        `json:"sdp_sessions,omitempty"`
	RTP          *analyzer.RangeCount         `json:"rtp_range,omitempty"`
}

func main() {
	f := createFlags()

	if f.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	level, err := zerolog.ParseLevel(f.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if f.readFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Get()
	cfg.Dedup = cfg.Dedup || f.dedup
	if f.scriptFile != "" {
		cfg.ScriptFile = f.scriptFile
	}

	if f.promAddr != "" {
		go func() {
			if err := promstats.StartMetrics(f.promAddr); err != nil {
				log.Error().Err(err).Msg("metrics listener")
			}
		}()
	}

	data, err := os.ReadFile(f.readFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", f.readFile).Msg("read capture")
	}

	a, err := analyzer.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init analyzer")
	}
	defer a.Close()

	res, err := a.Analyze(data)
	if err != nil {
		log.Fatal().Err(err).Msg("analyze capture")
	}

	out := &report{
		PcapFile:     f.readFile,
		PacketCount:  res.PacketCount,
		TLSPackets:   res.TLSPackets,
		MessageCount: len(res.Messages),
	}

	// Default view is the call flows.
	if !f.showCalls && !f.showReg && !f.showStats && !f.showSDP && f.rtpRange == "" {
		f.showCalls = true
	}

	if f.showCalls {
		out.Calls = res.Calls(analyzer.CallFilter{
			CallID:      f.callID,
			Number:      f.number,
			SummaryOnly: f.summaryOnly,
		})
		out.CallCount = len(out.Calls)
	}
	if f.showReg {
		reg := res.Registrations()
		out.Reg = &reg
	}
	if f.showStats {
		stats := res.CallStats()
		out.Stats = &stats
	}
	if f.showSDP {
		out.SDP = res.SDPSessions(f.callID)
	}
	if f.rtpRange != "" {
		rtp, err := a.CountUDPRange(data, f.rtpRange)
		if err != nil {
			log.Fatal().Err(err).Str("range", f.rtpRange).Msg("count rtp range")
		}
		out.RTP = rtp
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal().Err(err).Msg("encode report")
	}
}
