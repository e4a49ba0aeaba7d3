package service

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/tool"
)

// ApprovalMode selects how aggressively tool executions are gated.
type ApprovalMode string

const (
	// ApprovalAuto approves every gated tool without asking.
	ApprovalAuto ApprovalMode = "auto"
	// ApprovalAskDangerous gates only tools flagged requires_approval.
	ApprovalAskDangerous ApprovalMode = "ask_dangerous"
	// ApprovalAskAll additionally gates every non-LOW-risk tool.
	ApprovalAskAll ApprovalMode = "ask_all"
)

// GateOutcome is the result of evaluating the approval gate.
type GateOutcome int

const (
	GatePass GateOutcome = iota // execute, no gate applies
	GateApproved
	GateDenied
	GateAsk // suspend and ask the user
)

// GateDecision carries the gate outcome. Record is nil for silent
// passes (ungated tools, cache hits); the scheduler appends non-nil
// records to approval_history.
type GateDecision struct {
	Outcome GateOutcome
	Record  *entity.ApprovalRecord
	Prompt  string // question text when Outcome == GateAsk
}

// ApprovalGate decides whether a tool call may proceed, based on the
// policy configuration and per-session state (trust mode, cache). The
// policy is hot-reloadable; Evaluate snapshots it per call.
type ApprovalGate struct {
	mu            sync.RWMutex
	mode          ApprovalMode
	trustedTools  map[string]bool
	autoDenyTools map[string]bool
	logger        *zap.Logger
}

// ApprovalConfig is the policy part of the engine configuration.
type ApprovalConfig struct {
	Mode          ApprovalMode
	TrustedTools  []string
	AutoDenyTools []string
}

func NewApprovalGate(cfg ApprovalConfig, logger *zap.Logger) *ApprovalGate {
	g := &ApprovalGate{
		logger: logger.With(zap.String("component", "approval-gate")),
	}
	g.setPolicy(cfg)
	return g
}

// UpdateConfig swaps the policy. Used by the config watcher; in-flight
// evaluations finish under the policy they started with.
func (g *ApprovalGate) UpdateConfig(cfg ApprovalConfig) {
	g.setPolicy(cfg)
	g.mu.RLock()
	mode := g.mode
	g.mu.RUnlock()
	g.logger.Info("Approval policy updated", zap.String("mode", string(mode)))
}

func (g *ApprovalGate) setPolicy(cfg ApprovalConfig) {
	mode := cfg.Mode
	switch mode {
	case ApprovalAuto, ApprovalAskDangerous, ApprovalAskAll:
	default:
		mode = ApprovalAskDangerous
	}
	g.mu.Lock()
	g.mode = mode
	g.trustedTools = toSet(cfg.TrustedTools)
	g.autoDenyTools = toSet(cfg.AutoDenyTools)
	g.mu.Unlock()
}

// AnswerKeyFor is the reserved answer key used when an approval prompt
// suspends the session.
func AnswerKeyFor(toolName string) string {
	return "approval:" + toolName
}

// IsApprovalKey reports whether an answer key belongs to an approval
// prompt and returns the tool name.
func IsApprovalKey(key string) (toolName string, ok bool) {
	if rest, found := strings.CutPrefix(key, "approval:"); found && rest != "" {
		return rest, true
	}
	return "", false
}

// Evaluate runs the gate for one tool call. Precedence: auto-deny
// list, trust mode, trusted list, session cache, then the mode.
func (g *ApprovalGate) Evaluate(state entity.SessionState, t tool.Tool, step int, args map[string]any) GateDecision {
	name := t.Name()
	risk := string(t.RiskLevel())

	g.mu.RLock()
	mode := g.mode
	trustedTools := g.trustedTools
	autoDenyTools := g.autoDenyTools
	g.mu.RUnlock()

	if !gated(mode, t) {
		return GateDecision{Outcome: GatePass}
	}

	if autoDenyTools[name] {
		return GateDecision{
			Outcome: GateDenied,
			Record:  record(name, step, risk, entity.DecisionAutoDenied, "auto_deny_list"),
		}
	}

	if state.TrustMode() {
		return GateDecision{
			Outcome: GateApproved,
			Record:  record(name, step, risk, entity.DecisionTrusted, "trust_mode"),
		}
	}

	if trustedTools[name] {
		return GateDecision{
			Outcome: GateApproved,
			Record:  record(name, step, risk, entity.DecisionAutoApproved, "trusted_tools"),
		}
	}

	// Cache hits resolve silently; only fresh decisions enter history.
	if approved, cached := state.CachedApproval(name); cached {
		outcome := GateApproved
		if !approved {
			outcome = GateDenied
		}
		return GateDecision{Outcome: outcome}
	}

	if mode == ApprovalAuto {
		return GateDecision{
			Outcome: GateApproved,
			Record:  record(name, step, risk, entity.DecisionAutoApproved, "auto_mode"),
		}
	}

	return GateDecision{
		Outcome: GateAsk,
		Prompt:  g.renderPrompt(t, args),
	}
}

// HandleAnswer interprets the user's reply to an approval prompt.
// Affirmative replies approve and cache; "always"/"trust" additionally
// enables trust mode; anything else denies and caches the denial. The
// decision is appended to approval_history.
func (g *ApprovalGate) HandleAnswer(state entity.SessionState, toolName string, step int, risk string, answer string) bool {
	normalized := strings.ToLower(strings.TrimSpace(answer))

	switch normalized {
	case "always", "trust":
		state.SetTrustMode(true)
		state.CacheApproval(toolName, true)
		state.AppendApprovalRecord(*record(toolName, step, risk, entity.DecisionTrusted, "user_answer"))
		g.logger.Info("Trust mode enabled", zap.String("tool", toolName))
		return true
	case "y", "yes", "approve", "approved":
		state.CacheApproval(toolName, true)
		state.AppendApprovalRecord(*record(toolName, step, risk, entity.DecisionApproved, "user_answer"))
		return true
	default:
		state.CacheApproval(toolName, false)
		state.AppendApprovalRecord(*record(toolName, step, risk, entity.DecisionDenied, "user_answer"))
		g.logger.Info("Tool execution denied by user",
			zap.String("tool", toolName),
			zap.String("answer", normalized),
		)
		return false
	}
}

// gated reports whether the gate applies to this tool at all under
// the given mode.
func gated(mode ApprovalMode, t tool.Tool) bool {
	switch mode {
	case ApprovalAskAll:
		return t.RequiresApproval() || t.RiskLevel() != tool.RiskLow
	default:
		return t.RequiresApproval()
	}
}

func (g *ApprovalGate) renderPrompt(t tool.Tool, args map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool %q (risk %s) requires approval.", t.Name(), t.RiskLevel())
	if p, ok := t.(tool.Previewer); ok {
		if preview := p.Preview(args); preview != "" {
			fmt.Fprintf(&b, "\n%s", preview)
		}
	}
	b.WriteString("\nApprove? (y/n, or 'always' to trust this session)")
	return b.String()
}

func record(toolName string, step int, risk string, decision entity.ApprovalDecision, policy string) *entity.ApprovalRecord {
	return &entity.ApprovalRecord{
		Timestamp: time.Now().UTC(),
		Tool:      toolName,
		Step:      step,
		Risk:      risk,
		Decision:  decision,
		Policy:    policy,
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
