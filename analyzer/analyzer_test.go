package analyzer

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipcapture/sipscope/config"
)

var captureStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		MaxCaptureBytes: config.DefaultMaxCaptureBytes,
		RTPPortRange:    config.DefaultRTPPortRange,
		TLSPort:         config.DefaultTLSPort,
	}
}

func newAnalyzer(t *testing.T, cfg *config.Config) *Analyzer {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

type frame struct {
	ts   time.Time
	data []byte
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buffer, options, ls...))
	return buffer.Bytes()
}

func udpFrame(t *testing.T, ts time.Time, srcIP, dstIP string, srcPort, dstPort uint16, payload string) frame {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xff, 0xaa, 0xfa, 0xaa, 0xff, 0xaa},
		DstMAC:       net.HardwareAddr{0xbd, 0xbd, 0xbd, 0xbd, 0xbd, 0xbd},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.ParseIP(srcIP), DstIP: net.ParseIP(dstIP)}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)
	return frame{ts: ts, data: serialize(t, eth, ip, udp, gopacket.Payload([]byte(payload)))}
}

func tcpFrame(t *testing.T, ts time.Time, srcIP, dstIP string, srcPort, dstPort uint16, payload string) frame {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xff, 0xaa, 0xfa, 0xaa, 0xff, 0xaa},
		DstMAC:       net.HardwareAddr{0xbd, 0xbd, 0xbd, 0xbd, 0xbd, 0xbd},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.ParseIP(srcIP), DstIP: net.ParseIP(dstIP)}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), PSH: true, ACK: true}
	tcp.SetNetworkLayerForChecksum(ip)
	return frame{ts: ts, data: serialize(t, eth, ip, tcp, gopacket.Payload([]byte(payload)))}
}

func writeCapture(t *testing.T, frames ...frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for _, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     f.ts,
			CaptureLength: len(f.data),
			Length:        len(f.data),
		}
		require.NoError(t, w.WritePacket(ci, f.data))
	}
	return buf.Bytes()
}

func TestAnalyzeUDPCall(t *testing.T) {
	invite := "INVITE sip:bob@example.com SIP/2.0\r\n" +
		"From: <sip:alice@example.com>;tag=1\r\n" +
		"To: <sip:bob@example.com>\r\n" +
		"Call-ID: abc123\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"
	ok := "SIP/2.0 200 OK\r\n" +
		"From: <sip:alice@example.com>;tag=1\r\n" +
		"To: <sip:bob@example.com>;tag=2\r\n" +
		"Call-ID: abc123\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"

	data := writeCapture(t,
		udpFrame(t, captureStart, "10.0.0.1", "10.0.0.2", 5060, 5060, invite),
		udpFrame(t, captureStart.Add(150*time.Millisecond), "10.0.0.2", "10.0.0.1", 5060, 5060, ok),
	)

	a := newAnalyzer(t, testConfig())
	res, err := a.Analyze(data)
	require.NoError(t, err)

	assert.Equal(t, 2, res.PacketCount)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "abc123", res.Messages[0].CallID)
	assert.Equal(t, "udp", res.Messages[0].Transport)

	calls := res.Calls(CallFilter{})
	require.Len(t, calls, 1)
	assert.Equal(t, "alice", calls[0].FromUser)
	assert.Equal(t, "bob", calls[0].ToUser)
	assert.Equal(t, StatusSuccess, calls[0].FinalStatus)
	assert.Equal(t, 200, calls[0].FinalCode)
	assert.Equal(t, 2, calls[0].MessageCount)
}

func TestAnalyzeTCPRegistration(t *testing.T) {
	register := "REGISTER sip:example.com SIP/2.0\r\n" +
		"From: <sip:2001@example.com>;tag=r1\r\n" +
		"To: <sip:2001@example.com>\r\n" +
		"Contact: <sip:2001@10.0.0.5:5060>\r\n" +
		"Call-ID: reg-tcp-1\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"Content-Length: 0\r\n\r\n"
	denied := "SIP/2.0 401 Unauthorized\r\n" +
		"From: <sip:2001@example.com>;tag=r1\r\n" +
		"To: <sip:2001@example.com>;tag=s1\r\n" +
		"Call-ID: reg-tcp-1\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"Content-Length: 0\r\n\r\n"

	data := writeCapture(t,
		tcpFrame(t, captureStart, "10.0.0.5", "10.0.0.9", 49200, 5060, register),
		tcpFrame(t, captureStart.Add(20*time.Millisecond), "10.0.0.9", "10.0.0.5", 5060, 49200, denied),
	)

	a := newAnalyzer(t, testConfig())
	res, err := a.Analyze(data)
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "tcp", res.Messages[0].Transport)

	report := res.Registrations()
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Registrations, 1)
	assert.Equal(t, "2001", report.Registrations[0].User)
	assert.Equal(t, 401, report.Registrations[0].ResponseCode)
	assert.Equal(t, StatusFailed, report.Registrations[0].Status)
}

func TestAnalyzeCorruptCapture(t *testing.T) {
	a := newAnalyzer(t, testConfig())
	_, err := a.Analyze([]byte("this is not a capture file at all"))
	assert.ErrorIs(t, err, ErrCorruptCapture)
}

func TestAnalyzeTruncatedCapture(t *testing.T) {
	options := "OPTIONS sip:ping@example.com SIP/2.0\r\nCall-ID: opt1\r\nContent-Length: 0\r\n\r\n"
	data := writeCapture(t,
		udpFrame(t, captureStart, "10.0.0.1", "10.0.0.2", 5060, 5060, options),
		udpFrame(t, captureStart.Add(time.Second), "10.0.0.1", "10.0.0.2", 5060, 5060, options),
	)

	a := newAnalyzer(t, testConfig())
	res, err := a.Analyze(data[:len(data)-10])
	require.NoError(t, err)
	assert.Equal(t, 1, res.PacketCount)
	assert.Len(t, res.Messages, 1)
}

func TestAnalyzeCaptureTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCaptureBytes = 16
	a := newAnalyzer(t, cfg)
	_, err := a.Analyze(make([]byte, 64))
	assert.ErrorIs(t, err, ErrCaptureTooLarge)
}

func TestAnalyzeCountsTLSPackets(t *testing.T) {
	data := writeCapture(t,
		tcpFrame(t, captureStart, "10.0.0.1", "10.0.0.2", 49300, 5061, "\x16\x03\x01\x02\x00\x01"),
		tcpFrame(t, captureStart.Add(time.Millisecond), "10.0.0.2", "10.0.0.1", 5061, 49300, "\x16\x03\x03\x00\x40"),
	)

	a := newAnalyzer(t, testConfig())
	res, err := a.Analyze(data)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TLSPackets)
	assert.Empty(t, res.Messages)
}

func TestAnalyzeSkipsNonSIPUDP(t *testing.T) {
	data := writeCapture(t,
		udpFrame(t, captureStart, "10.0.0.1", "10.0.0.2", 50004, 50004, "\x80\x00\x01\x02rtp-ish"),
	)

	a := newAnalyzer(t, testConfig())
	res, err := a.Analyze(data)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PacketCount)
	assert.Empty(t, res.Messages)
}

func TestCountUDPRange(t *testing.T) {
	data := writeCapture(t,
		udpFrame(t, captureStart, "10.0.0.1", "10.0.0.2", 50005, 50010, "media"),
		udpFrame(t, captureStart.Add(time.Millisecond), "10.0.0.2", "10.0.0.1", 50010, 50005, "media"),
		udpFrame(t, captureStart.Add(2*time.Millisecond), "10.0.0.3", "10.0.0.4", 49999, 49998, "not media"),
	)

	a := newAnalyzer(t, testConfig())
	rc, err := a.CountUDPRange(data, "50000-50010")
	require.NoError(t, err)
	assert.Equal(t, 2, rc.PacketCount)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, rc.Sources)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, rc.Destinations)
}

func TestCountUDPRangeInvalidSpec(t *testing.T) {
	a := newAnalyzer(t, testConfig())
	data := writeCapture(t)

	for _, spec := range []string{"", "abc", "1-2-3", "100000", "10-"} {
		_, err := a.CountUDPRange(data, spec)
		assert.ErrorIs(t, err, ErrInvalidRange, "spec %q", spec)
	}
}

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		in         string
		start, end uint16
		wantErr    bool
	}{
		{in: "5060", start: 5060, end: 5060},
		{in: "50000-60000", start: 50000, end: 60000},
		{in: "1-1", start: 1, end: 1},
		{in: "", wantErr: true},
		{in: "low-high", wantErr: true},
		{in: "70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, end, err := ParsePortRange(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}
