package protos

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// MessageKind tags a parsed SIP message as a request or a response.
type MessageKind string

const (
	Request  MessageKind = "request"
	Response MessageKind = "response"
)

// Endpoint is one side of a transport flow in dotted-decimal form.
type Endpoint struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// Message is one parsed SIP request or response. Header-derived fields are
// zero-valued when the corresponding header is missing; StatusCode and
// CSeqNumber are 0 when absent or non-numeric.
type Message struct {
	Timestamp time.Time   `json:"timestamp"`
	Src       Endpoint    `json:"src"`
	Dst       Endpoint    `json:"dst"`
	Transport string      `json:"transport"`
	Kind      MessageKind `json:"kind"`

	Method     string `json:"method,omitempty"`
	RequestURI string `json:"request_uri,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`

	CallID        string `json:"call_id,omitempty"`
	FromUser      string `json:"from_user,omitempty"`
	ToUser        string `json:"to_user,omitempty"`
	FromURI       string `json:"from_uri,omitempty"`
	ToURI         string `json:"to_uri,omitempty"`
	CSeqNumber    int    `json:"cseq_number,omitempty"`
	CSeqMethod    string `json:"cseq_method,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int    `json:"content_length,omitempty"`
	Contact       string `json:"contact,omitempty"`

	// Headers maps lowercased header names to their values in order of
	// appearance. Scalar accessors take the first value.
	Headers map[string][]string `json:"-"`
	Body    string              `json:"-"`
}

// Header returns the first value of the named header, or "".
func (m *Message) Header(name string) string {
	vals := m.Headers[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// HeaderValues returns all values of the named header in order of appearance.
func (m *Message) HeaderValues(name string) []string {
	return m.Headers[strings.ToLower(name)]
}

var firstSIPLine = [][]byte{
	[]byte("SIP/2.0"),
	[]byte("INVITE "),
	[]byte("REGISTER "),
	[]byte("ACK "),
	[]byte("BYE "),
	[]byte("CANCEL "),
	[]byte("OPTIONS "),
	[]byte("PRACK "),
	[]byte("UPDATE "),
	[]byte("MESSAGE "),
	[]byte("SUBSCRIBE "),
	[]byte("NOTIFY "),
	[]byte("REFER "),
	[]byte("PUBLISH "),
	[]byte("INFO "),
}

// IsSIP reports whether payload starts like a SIP message. It is the sole
// gate deciding whether a payload is worth parsing.
func IsSIP(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	for k := range firstSIPLine {
		if bytes.HasPrefix(payload, firstSIPLine[k]) {
			return true
		}
	}
	return false
}

// ParseMessage parses one self-contained SIP payload. It returns nil when no
// message can be produced; that is not an error condition for the caller.
func ParseMessage(payload []byte, ts time.Time, src, dst Endpoint, transport string) *Message {
	// Invalid byte sequences must never abort parsing of an otherwise
	// valid message.
	text := strings.ToValidUTF8(string(payload), "�")
	lines := splitLines(text)
	if len(lines) == 0 {
		return nil
	}
	startLine := strings.TrimSpace(lines[0])
	if startLine == "" {
		return nil
	}

	headers, body := parseHeaders(lines[1:])

	m := &Message{
		Timestamp: ts,
		Src:       src,
		Dst:       dst,
		Transport: transport,
		Headers:   headers,
		Body:      body,
	}

	m.CallID = m.Header("call-id")
	m.Contact = m.Header("contact")
	m.ContentType = m.Header("content-type")
	if cl := m.Header("content-length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil {
			m.ContentLength = n
		}
	}
	m.FromURI = extractURI(m.Header("from"))
	m.ToURI = extractURI(m.Header("to"))
	m.FromUser = userFromURI(m.FromURI)
	m.ToUser = userFromURI(m.ToURI)
	m.CSeqNumber, m.CSeqMethod = parseCSeq(m.Header("cseq"))

	if strings.HasPrefix(startLine, "SIP/2.0") {
		m.Kind = Response
		fields := strings.Fields(startLine)
		if len(fields) > 1 {
			if code, err := strconv.Atoi(fields[1]); err == nil {
				m.StatusCode = code
			}
		}
		if len(fields) > 2 {
			m.Reason = strings.Join(fields[2:], " ")
		}
		return m
	}

	fields := strings.Fields(startLine)
	if len(fields) == 0 {
		return nil
	}
	m.Kind = Request
	m.Method = fields[0]
	if len(fields) > 1 {
		m.RequestURI = fields[1]
	}
	return m
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	// A trailing terminator yields one empty trailing element, not a line.
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// parseHeaders splits the lines following the start line into a folded,
// lowercased header map and the body. Continuation lines starting with
// whitespace are appended to the previous header value with a single space.
func parseHeaders(lines []string) (map[string][]string, string) {
	var headerLines, bodyLines []string
	inBody := false
	for _, line := range lines {
		if !inBody {
			if line == "" {
				inBody = true
				continue
			}
			headerLines = append(headerLines, line)
		} else {
			bodyLines = append(bodyLines, line)
		}
	}

	var merged []string
	for _, line := range headerLines {
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(merged) > 0 {
			merged[len(merged)-1] += " " + strings.TrimSpace(line)
		} else {
			merged = append(merged, strings.TrimSpace(line))
		}
	}

	headers := make(map[string][]string)
	for _, line := range merged {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		headers[key] = append(headers[key], strings.TrimSpace(value))
	}

	return headers, strings.Join(bodyLines, "\n")
}

// extractURI locates a sip: or sips: URI inside a header value. The URI ends
// at the first of '>', ';', whitespace or line end after the scheme token.
func extractURI(value string) string {
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	idx := strings.Index(lower, "sip:")
	if idx == -1 {
		idx = strings.Index(lower, "sips:")
		if idx == -1 {
			return ""
		}
	}
	end := len(value)
	for _, delim := range []string{">", ";", " ", "\t", "\r", "\n"} {
		if pos := strings.Index(value[idx:], delim); pos != -1 && idx+pos < end {
			end = idx + pos
		}
	}
	return value[idx:end]
}

// userFromURI returns the user portion of a SIP URI, or "" when the URI has
// no @.
func userFromURI(uri string) string {
	if uri == "" {
		return ""
	}
	rest := uri
	if strings.HasPrefix(uri, "sips:") {
		rest = uri[5:]
	} else if strings.HasPrefix(uri, "sip:") {
		rest = uri[4:]
	}
	if user, _, ok := strings.Cut(rest, "@"); ok {
		return user
	}
	return ""
}

func parseCSeq(value string) (int, string) {
	if value == "" {
		return 0, ""
	}
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, ""
	}
	number := 0
	if n, err := strconv.Atoi(fields[0]); err == nil {
		number = n
	}
	method := ""
	if len(fields) > 1 {
		method = fields[1]
	}
	return number, method
}
