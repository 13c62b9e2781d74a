package protos

import (
	"strconv"
	"strings"
)

// MediaDescription is one m= block of an SDP body. Codecs are aligned to
// PayloadTypes in payload-type order, skipping ids with no rtpmap entry.
// Port is -1 when the m= line carries a non-numeric port.
type MediaDescription struct {
	Type         string   `json:"type"`
	Port         int      `json:"port"`
	Protocol     string   `json:"proto"`
	PayloadTypes []int    `json:"payloads"`
	Codecs       []string `json:"codecs"`
	Direction    string   `json:"direction,omitempty"`
}

// SDP is a parsed session description.
type SDP struct {
	ConnectionAddress string             `json:"connection_address,omitempty"`
	Media             []MediaDescription `json:"media"`
}

// ParseSDP parses a session-description body line by line. Unrecognized
// lines are ignored; structural problems yield fewer media descriptions,
// never an error.
func ParseSDP(body string) *SDP {
	sdp := &SDP{}
	rtpmap := make(map[int]string)
	var current *MediaDescription

	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "c="):
			fields := strings.Fields(line[2:])
			if len(fields) >= 3 {
				sdp.ConnectionAddress = fields[2]
			}
		case strings.HasPrefix(line, "m="):
			fields := strings.Fields(line[2:])
			if len(fields) < 3 {
				continue
			}
			md := MediaDescription{
				Type:     fields[0],
				Port:     -1,
				Protocol: fields[2],
			}
			if port, err := strconv.Atoi(fields[1]); err == nil {
				md.Port = port
			}
			for _, item := range fields[3:] {
				if id, err := strconv.Atoi(item); err == nil {
					md.PayloadTypes = append(md.PayloadTypes, id)
				}
			}
			sdp.Media = append(sdp.Media, md)
			current = &sdp.Media[len(sdp.Media)-1]
		case strings.HasPrefix(line, "a=rtpmap:"):
			value := strings.TrimSpace(line[len("a=rtpmap:"):])
			idStr, codec, ok := strings.Cut(value, " ")
			if !ok {
				continue
			}
			if id, err := strconv.Atoi(idStr); err == nil {
				rtpmap[id] = strings.TrimSpace(codec)
			}
		case line == "a=sendrecv", line == "a=sendonly", line == "a=recvonly":
			if current != nil {
				current.Direction = line[2:]
			}
		}
	}

	// rtpmap lines may appear before or after the m= block they describe,
	// so codecs are resolved only after the full body is scanned.
	for i := range sdp.Media {
		for _, id := range sdp.Media[i].PayloadTypes {
			if codec, ok := rtpmap[id]; ok {
				sdp.Media[i].Codecs = append(sdp.Media[i].Codecs, codec)
			}
		}
	}

	return sdp
}
