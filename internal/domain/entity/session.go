package entity

import (
	"time"
)

// Reserved session state keys. Everything else in the map belongs to
// collaborators and is preserved verbatim across load/save.
const (
	StateKeyVersion         = "_version"
	StateKeyUpdatedAt       = "_updated_at"
	StateKeyPlanID          = "todolist_id"
	StateKeyAnswers         = "answers"
	StateKeyPendingQuestion = "pending_question"
	StateKeyApprovalCache   = "approval_cache"
	StateKeyTrustMode       = "trust_mode"
	StateKeyApprovalHistory = "approval_history"
)

// ApprovalDecision records how an approval gate resolved.
type ApprovalDecision string

const (
	DecisionApproved     ApprovalDecision = "approved"
	DecisionDenied       ApprovalDecision = "denied"
	DecisionTrusted      ApprovalDecision = "trusted"
	DecisionAutoApproved ApprovalDecision = "auto_approved"
	DecisionAutoDenied   ApprovalDecision = "auto_denied"
)

// PendingQuestion suspends a session until the user replies. The next
// mission entry routes its message to AnswerKey.
type PendingQuestion struct {
	AnswerKey string `json:"answer_key"`
	Question  string `json:"question"`
	ForStep   int    `json:"for_step,omitempty"`
}

// ApprovalRecord is one entry of the append-only approval history.
type ApprovalRecord struct {
	Timestamp time.Time        `json:"timestamp"`
	Tool      string           `json:"tool"`
	Step      int              `json:"step"`
	Risk      string           `json:"risk"`
	Decision  ApprovalDecision `json:"decision"`
	Policy    string           `json:"policy,omitempty"`
}

// SessionState is the per-session durable key/value map. Reserved keys
// carry the engine's own bookkeeping; free keys belong to
// collaborators. Values survive a JSON round trip, so numeric reads
// must tolerate float64.
type SessionState map[string]any

// NewSessionState returns an empty state map.
func NewSessionState() SessionState {
	return SessionState{}
}

// Version returns the monotonic save counter, 0 when never saved.
func (s SessionState) Version() int {
	return toInt(s[StateKeyVersion])
}

// BumpVersion increments _version and refreshes _updated_at. Called by
// the store on every save.
func (s SessionState) BumpVersion(now time.Time) {
	s[StateKeyVersion] = s.Version() + 1
	s[StateKeyUpdatedAt] = now.UTC().Format(time.RFC3339Nano)
}

// UpdatedAt returns the last save time, zero when never saved.
func (s SessionState) UpdatedAt() time.Time {
	raw, _ := s[StateKeyUpdatedAt].(string)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// PlanID returns the bound plan id, empty when unbound.
func (s SessionState) PlanID() string {
	id, _ := s[StateKeyPlanID].(string)
	return id
}

func (s SessionState) SetPlanID(id string) {
	s[StateKeyPlanID] = id
}

func (s SessionState) ClearPlanID() {
	delete(s, StateKeyPlanID)
}

// Answers returns the answer-key → user-reply map, never nil.
func (s SessionState) Answers() map[string]string {
	out := map[string]string{}
	raw, ok := s[StateKeyAnswers].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}

// SetAnswer stores a user reply under its answer key.
func (s SessionState) SetAnswer(key, reply string) {
	raw, ok := s[StateKeyAnswers].(map[string]any)
	if !ok {
		raw = map[string]any{}
		s[StateKeyAnswers] = raw
	}
	raw[key] = reply
}

// PendingQuestion returns the suspension record, or nil when the
// session is not waiting for input.
func (s SessionState) PendingQuestion() *PendingQuestion {
	raw, ok := s[StateKeyPendingQuestion].(map[string]any)
	if !ok {
		return nil
	}
	q := &PendingQuestion{}
	q.AnswerKey, _ = raw["answer_key"].(string)
	q.Question, _ = raw["question"].(string)
	q.ForStep = toInt(raw["for_step"])
	return q
}

func (s SessionState) SetPendingQuestion(q PendingQuestion) {
	s[StateKeyPendingQuestion] = map[string]any{
		"answer_key": q.AnswerKey,
		"question":   q.Question,
		"for_step":   q.ForStep,
	}
}

func (s SessionState) ClearPendingQuestion() {
	delete(s, StateKeyPendingQuestion)
}

// CachedApproval returns the remembered decision for a tool. The
// second value reports whether any decision was cached.
func (s SessionState) CachedApproval(tool string) (approved, ok bool) {
	raw, isMap := s[StateKeyApprovalCache].(map[string]any)
	if !isMap {
		return false, false
	}
	v, present := raw[tool]
	if !present {
		return false, false
	}
	b, _ := v.(bool)
	return b, true
}

// CacheApproval remembers an approval decision for a tool.
func (s SessionState) CacheApproval(tool string, approved bool) {
	raw, ok := s[StateKeyApprovalCache].(map[string]any)
	if !ok {
		raw = map[string]any{}
		s[StateKeyApprovalCache] = raw
	}
	raw[tool] = approved
}

// TrustMode reports whether the user granted blanket approval for the
// rest of the session.
func (s SessionState) TrustMode() bool {
	b, _ := s[StateKeyTrustMode].(bool)
	return b
}

func (s SessionState) SetTrustMode(on bool) {
	s[StateKeyTrustMode] = on
}

// AppendApprovalRecord adds one entry to the append-only history.
func (s SessionState) AppendApprovalRecord(rec ApprovalRecord) {
	hist, _ := s[StateKeyApprovalHistory].([]any)
	hist = append(hist, map[string]any{
		"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"tool":      rec.Tool,
		"step":      rec.Step,
		"risk":      rec.Risk,
		"decision":  string(rec.Decision),
		"policy":    rec.Policy,
	})
	s[StateKeyApprovalHistory] = hist
}

// ApprovalHistory decodes the append-only history, skipping malformed
// entries.
func (s SessionState) ApprovalHistory() []ApprovalRecord {
	hist, _ := s[StateKeyApprovalHistory].([]any)
	out := make([]ApprovalRecord, 0, len(hist))
	for _, item := range hist {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rec := ApprovalRecord{Step: toInt(m["step"])}
		rec.Tool, _ = m["tool"].(string)
		rec.Risk, _ = m["risk"].(string)
		rec.Policy, _ = m["policy"].(string)
		if d, ok := m["decision"].(string); ok {
			rec.Decision = ApprovalDecision(d)
		}
		if ts, ok := m["timestamp"].(string); ok {
			rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		}
		out = append(out, rec)
	}
	return out
}

// Clone deep-copies the state map one level down, enough to isolate
// the reserved structures. Free-form nested values are shared.
func (s SessionState) Clone() SessionState {
	c := make(SessionState, len(s))
	for k, v := range s {
		switch typed := v.(type) {
		case map[string]any:
			inner := make(map[string]any, len(typed))
			for ik, iv := range typed {
				inner[ik] = iv
			}
			c[k] = inner
		case []any:
			c[k] = append([]any(nil), typed...)
		default:
			c[k] = v
		}
	}
	return c
}

// toInt coerces JSON-decoded numbers (float64) and native ints.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
