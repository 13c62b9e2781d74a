package analyzer

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sipcapture/sipscope/protos"
)

// Call outcome values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusUnknown = "unknown"
)

// MessageSummary is the per-call timeline entry.
type MessageSummary struct {
	Time       time.Time          `json:"time"`
	Kind       protos.MessageKind `json:"kind"`
	Method     string             `json:"method,omitempty"`
	StatusCode int                `json:"status_code,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Src        protos.Endpoint    `json:"src"`
	Dst        protos.Endpoint    `json:"dst"`
	Transport  string             `json:"transport"`
}

// Call is one signaling dialog reconstructed from all messages sharing a
// Call-ID, ordered by capture time.
type Call struct {
	CallID       string           `json:"call_id"`
	FromUser     string           `json:"from_user,omitempty"`
	ToUser       string           `json:"to_user,omitempty"`
	FromURI      string           `json:"from_uri,omitempty"`
	ToURI        string           `json:"to_uri,omitempty"`
	StartTime    time.Time        `json:"start_time"`
	EndTime      time.Time        `json:"end_time"`
	MessageCount int              `json:"message_count"`
	HasSDP       bool             `json:"has_sdp"`
	Messages     []MessageSummary `json:"messages,omitempty"`
	FinalStatus  string           `json:"final_status"`
	FinalCode    int              `json:"final_code,omitempty"`
}

// CallFilter narrows the Calls view. Zero value means all calls with full
// timelines.
type CallFilter struct {
	CallID      string
	Number      string
	SummaryOnly bool
}

// Registration is one REGISTER dialog and its outcome.
type Registration struct {
	CallID         string `json:"call_id"`
	User           string `json:"user,omitempty"`
	Contact        string `json:"contact,omitempty"`
	Status         string `json:"status"`
	ResponseCode   int    `json:"response_code,omitempty"`
	ResponseReason string `json:"response_reason,omitempty"`
}

// RegistrationReport aggregates all REGISTER dialogs in a capture.
type RegistrationReport struct {
	Registrations []Registration `json:"registrations"`
	Total         int            `json:"total"`
	Success       int            `json:"success"`
	Failed        int            `json:"failed"`
}

// CallStats aggregates outcomes across all dialogs. SetupSamples is the
// number of calls contributing to AvgSetupMs; zero means no average exists.
type CallStats struct {
	TotalCalls      int            `json:"total_calls"`
	SuccessfulCalls int            `json:"successful_calls"`
	FailedCalls     int            `json:"failed_calls"`
	ResponseCodes   map[string]int `json:"response_codes"`
	AvgSetupMs      int64          `json:"avg_setup_time_ms"`
	SetupSamples    int            `json:"setup_samples"`
}

// SDPSession is one message body carrying a session description.
type SDPSession struct {
	CallID     string             `json:"call_id,omitempty"`
	Kind       protos.MessageKind `json:"kind"`
	Method     string             `json:"method,omitempty"`
	StatusCode int                `json:"status_code,omitempty"`
	FromUser   string             `json:"from_user,omitempty"`
	ToUser     string             `json:"to_user,omitempty"`
	SDP        *protos.SDP        `json:"sdp"`
}

// groupByCallID groups messages by dialog, dropping messages without a
// Call-ID. Group order follows first appearance in the capture; messages
// within a group are stably sorted by timestamp so capture order breaks
// ties.
func groupByCallID(messages []*protos.Message) ([]string, map[string][]*protos.Message) {
	var order []string
	grouped := make(map[string][]*protos.Message)
	for _, msg := range messages {
		if msg.CallID == "" {
			continue
		}
		if _, seen := grouped[msg.CallID]; !seen {
			order = append(order, msg.CallID)
		}
		grouped[msg.CallID] = append(grouped[msg.CallID], msg)
	}
	for _, msgs := range grouped {
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		})
	}
	return order, grouped
}

// finalResponse picks the temporally last response with a code >= 200. Time
// order decides, not code magnitude: a late retransmission shadows an
// earlier final. Returns nil when no qualifying response exists.
func finalResponse(msgs []*protos.Message) *protos.Message {
	var final *protos.Message
	for _, msg := range msgs {
		if msg.Kind == protos.Response && msg.StatusCode >= 200 {
			final = msg
		}
	}
	return final
}

func callStatus(final *protos.Message) (string, int) {
	if final == nil {
		return StatusUnknown, 0
	}
	code := final.StatusCode
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess, code
	case code >= 300:
		return StatusFailed, code
	default:
		return StatusUnknown, code
	}
}

// matchesNumber reports whether the candidate substring appears
// case-insensitively in any user/URI field of any message in the dialog.
func matchesNumber(msgs []*protos.Message, number string) bool {
	candidate := strings.ToLower(strings.TrimSpace(number))
	if candidate == "" {
		return false
	}
	for _, msg := range msgs {
		for _, field := range []string{msg.FromUser, msg.ToUser, msg.FromURI, msg.ToURI} {
			if field != "" && strings.Contains(strings.ToLower(field), candidate) {
				return true
			}
		}
	}
	return false
}

func hasSDP(msgs []*protos.Message) bool {
	for _, msg := range msgs {
		if strings.Contains(msg.ContentType, "application/sdp") {
			return true
		}
	}
	return false
}

// Calls derives the per-dialog view.
func (r *Result) Calls(f CallFilter) []Call {
	order, grouped := groupByCallID(r.Messages)

	calls := make([]Call, 0, len(order))
	for _, cid := range order {
		msgs := grouped[cid]
		if f.CallID != "" && cid != f.CallID {
			continue
		}
		if f.Number != "" && !matchesNumber(msgs, f.Number) {
			continue
		}

		final := finalResponse(msgs)
		status, code := callStatus(final)

		call := Call{
			CallID:       cid,
			StartTime:    msgs[0].Timestamp,
			EndTime:      msgs[len(msgs)-1].Timestamp,
			MessageCount: len(msgs),
			HasSDP:       hasSDP(msgs),
			FinalStatus:  status,
			FinalCode:    code,
		}

		// Participant fields come from the first message defining each,
		// independently.
		for _, msg := range msgs {
			if call.FromUser == "" {
				call.FromUser = msg.FromUser
			}
			if call.ToUser == "" {
				call.ToUser = msg.ToUser
			}
			if call.FromURI == "" {
				call.FromURI = msg.FromURI
			}
			if call.ToURI == "" {
				call.ToURI = msg.ToURI
			}
		}

		if !f.SummaryOnly {
			for _, msg := range msgs {
				call.Messages = append(call.Messages, MessageSummary{
					Time:       msg.Timestamp,
					Kind:       msg.Kind,
					Method:     msg.Method,
					StatusCode: msg.StatusCode,
					Reason:     msg.Reason,
					Src:        msg.Src,
					Dst:        msg.Dst,
					Transport:  msg.Transport,
				})
			}
		}

		calls = append(calls, call)
	}
	return calls
}

// Registrations derives the REGISTER dialog view: groups containing at
// least one REGISTER request, with requester, declared contact and outcome.
func (r *Result) Registrations() RegistrationReport {
	order, grouped := groupByCallID(r.Messages)

	report := RegistrationReport{Registrations: []Registration{}}
	for _, cid := range order {
		msgs := grouped[cid]
		var register *protos.Message
		for _, msg := range msgs {
			if msg.Kind == protos.Request && msg.Method == "REGISTER" {
				register = msg
				break
			}
		}
		if register == nil {
			continue
		}

		final := finalResponse(msgs)
		status, code := callStatus(final)
		reg := Registration{
			CallID:       cid,
			User:         register.FromUser,
			Contact:      register.Contact,
			Status:       status,
			ResponseCode: code,
		}
		if final != nil {
			reg.ResponseReason = final.Reason
		}
		report.Registrations = append(report.Registrations, reg)

		switch status {
		case StatusSuccess:
			report.Success++
		case StatusFailed:
			report.Failed++
		}
	}
	report.Total = len(report.Registrations)
	return report
}

// Stats derives aggregate call statistics. Setup time is the delta between
// the first INVITE request and the first response with code >= 200; dialogs
// missing either are excluded from the average.
func (r *Result) CallStats() CallStats {
	order, grouped := groupByCallID(r.Messages)

	stats := CallStats{ResponseCodes: make(map[string]int)}
	var setupTotal int64

	for _, cid := range order {
		msgs := grouped[cid]
		final := finalResponse(msgs)
		status, code := callStatus(final)
		switch status {
		case StatusSuccess:
			stats.SuccessfulCalls++
		case StatusFailed:
			stats.FailedCalls++
		}
		if code != 0 {
			stats.ResponseCodes[strconv.Itoa(code)]++
		}

		var inviteTime, answerTime time.Time
		for _, msg := range msgs {
			if inviteTime.IsZero() && msg.Kind == protos.Request && msg.Method == "INVITE" {
				inviteTime = msg.Timestamp
			}
			if answerTime.IsZero() && msg.Kind == protos.Response && msg.StatusCode >= 200 {
				answerTime = msg.Timestamp
			}
		}
		if !inviteTime.IsZero() && !answerTime.IsZero() {
			setupTotal += answerTime.Sub(inviteTime).Milliseconds()
			stats.SetupSamples++
		}
	}

	stats.TotalCalls = len(order)
	if stats.SetupSamples > 0 {
		stats.AvgSetupMs = setupTotal / int64(stats.SetupSamples)
	}
	return stats
}

// SDPSessions derives the media negotiation view: one entry per message
// whose body carries a session description, optionally narrowed to one
// dialog.
func (r *Result) SDPSessions(callID string) []SDPSession {
	sessions := []SDPSession{}
	for _, msg := range r.Messages {
		if callID != "" && msg.CallID != callID {
			continue
		}
		if !strings.Contains(msg.ContentType, "application/sdp") {
			continue
		}
		if msg.Body == "" {
			continue
		}
		sessions = append(sessions, SDPSession{
			CallID:     msg.CallID,
			Kind:       msg.Kind,
			Method:     msg.Method,
			StatusCode: msg.StatusCode,
			FromUser:   msg.FromUser,
			ToUser:     msg.ToUser,
			SDP:        protos.ParseSDP(msg.Body),
		})
	}
	return sessions
}
