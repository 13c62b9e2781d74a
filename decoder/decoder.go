package decoder

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"
)

const fnvBasis = 14695981039346656037
const fnvPrime = 1099511628211

func fastHash(s []byte) (h uint64) {
	h = fnvBasis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime
	}
	return
}

// Packet is one successfully decoded transport-layer record.
type Packet struct {
	Timestamp time.Time
	SrcIP     string
	DstIP     string
	SrcPort   uint16
	DstPort   uint16
	Transport string // "udp" or "tcp"
	Payload   []byte
}

// Stats aggregates per-frame decode outcomes over one capture pass. Skipped
// frames are counted by reason instead of vanishing silently.
type Stats struct {
	Frames         int `json:"frames"`
	IPv4           int `json:"ipv4"`
	UDP            int `json:"udp"`
	TCP            int `json:"tcp"`
	Vlan           int `json:"vlan"`
	LinkSkips      int `json:"link_skips"`
	NonIPv4        int `json:"non_ipv4"`
	OtherTransport int `json:"other_transport"`
	Dups           int `json:"dups"`
}

// Decoder decodes link-layer frames into transport records. One Decoder
// serves one capture pass; it is not safe for concurrent use.
type Decoder struct {
	Stats Stats

	dedup bool
	lru   *lru.ARCCache
}

func NewDecoder(dedup bool) *Decoder {
	d := &Decoder{dedup: dedup}
	if dedup {
		la, err := lru.NewARC(8192)
		if err != nil {
			log.Error().Err(err).Msg("lru init, dedup disabled")
			d.dedup = false
		}
		d.lru = la
	}
	return d
}

// Process decodes one frame through Ethernet (with optional VLAN tag), IPv4
// and UDP/TCP. It returns nil for frames that are not decodable transport
// traffic; the skip is counted in Stats and is never an error.
func (d *Decoder) Process(data []byte, ci *gopacket.CaptureInfo) *Packet {
	d.Stats.Frames++

	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		if packet.ErrorLayer() != nil && packet.NetworkLayer() == nil {
			d.Stats.LinkSkips++
		} else {
			d.Stats.NonIPv4++
		}
		return nil
	}
	ip4, ok := ipLayer.(*layers.IPv4)
	if !ok {
		d.Stats.NonIPv4++
		return nil
	}
	if packet.Layer(layers.LayerTypeDot1Q) != nil {
		d.Stats.Vlan++
	}
	d.Stats.IPv4++

	if d.dedup {
		key := fastHash(ip4.Payload)
		if _, dup := d.lru.Get(key); dup {
			d.Stats.Dups++
			d.lru.Add(key, nil)
			return nil
		}
		d.lru.Add(key, nil)
	}

	pkt := &Packet{
		Timestamp: ci.Timestamp,
		SrcIP:     ip4.SrcIP.String(),
		DstIP:     ip4.DstIP.String(),
	}

	if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			d.Stats.OtherTransport++
			return nil
		}
		d.Stats.UDP++
		pkt.SrcPort = uint16(udp.SrcPort)
		pkt.DstPort = uint16(udp.DstPort)
		pkt.Transport = "udp"
		pkt.Payload = udp.Payload
		return pkt
	}

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok {
			d.Stats.OtherTransport++
			return nil
		}
		d.Stats.TCP++
		pkt.SrcPort = uint16(tcp.SrcPort)
		pkt.DstPort = uint16(tcp.DstPort)
		pkt.Transport = "tcp"
		pkt.Payload = tcp.Payload
		return pkt
	}

	d.Stats.OtherTransport++
	return nil
}
