package workflow

import (
	"strings"
	"time"

	"github.com/cerina/foundry/protocol"
)

// Decision 路由决策。用枚举而不是自由字符串，
// 从类型上消灭"无效 next_agent"这一类缺陷。
type Decision int

const (
	DecisionUnknown Decision = iota
	DecisionDrafter
	DecisionSafetyReviewer
	DecisionToneReviewer
	DecisionFinalize
	DecisionHalt
	DecisionFinish
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case DecisionDrafter:
		return "drafter"
	case DecisionSafetyReviewer:
		return "safety_reviewer"
	case DecisionToneReviewer:
		return "tone_reviewer"
	case DecisionFinalize:
		return "finalize"
	case DecisionHalt:
		return "halt"
	case DecisionFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// ParseDecision 解析决策名。用于解析 LLM 咨询输出，
// 无法识别的输入返回 (DecisionUnknown, false)，调用方静默回退。
func ParseDecision(s string) (Decision, bool) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "drafter":
		return DecisionDrafter, true
	case "safety_reviewer", "safety":
		return DecisionSafetyReviewer, true
	case "tone_reviewer", "tone":
		return DecisionToneReviewer, true
	case "finalize":
		return DecisionFinalize, true
	case "halt":
		return DecisionHalt, true
	case "finish":
		return DecisionFinish, true
	default:
		return DecisionUnknown, false
	}
}

// Note 草稿板条目。Drafter 在修订时能看到全部条目作为上下文。
type Note struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Blackboard 单次工作流执行的内存工作状态。
// 它只是持久化 Protocol 行的快照加上路由用的瞬态字段；
// 存储才是事实来源 —— 每次路由决策前必须 SyncFromProtocol 刷新，
// 因为并发的恢复执行或人工操作可能已经推进了状态。
type Blackboard struct {
	ProtocolID   string
	Intent       string
	ProtocolType string
	ThreadID     string

	CurrentDraft   string
	IterationCount int
	SafetyScore    protocol.SafetyScore
	EmpathyMetrics protocol.EmpathyMetrics
	Status         protocol.Status

	// 路由瞬态字段，不落库
	NextAgent       Decision
	LastAgent       string
	NeedsRevision   bool
	RevisionReasons []string
	ShouldHalt      bool
	Notes           []Note

	// 连续的瞬时起草失败计数，成功后清零
	DraftFailures int
}

// NewBlackboard 从持久化行构造工作状态。
func NewBlackboard(p *protocol.Protocol) *Blackboard {
	bb := &Blackboard{
		ProtocolID:   p.ID,
		Intent:       p.Intent,
		ProtocolType: p.ProtocolType,
		ThreadID:     p.ThreadID,
	}
	bb.SyncFromProtocol(p)
	return bb
}

// SyncFromProtocol 用存储中的最新行刷新快照字段。
// should_halt 从状态推导：awaiting_approval 意味着人工闸门已落下。
func (b *Blackboard) SyncFromProtocol(p *protocol.Protocol) {
	b.CurrentDraft = p.CurrentDraft
	b.IterationCount = p.IterationCount
	b.SafetyScore = p.SafetyScore
	b.EmpathyMetrics = p.EmpathyMetrics
	b.Status = p.Status
	if p.Status == protocol.StatusAwaitingApproval {
		b.ShouldHalt = true
	}
}

// HasDraft 返回是否已有非空草稿。
func (b *Blackboard) HasDraft() bool {
	return strings.TrimSpace(b.CurrentDraft) != ""
}

// AddReason 追加修订原因，按完整字符串去重。
func (b *Blackboard) AddReason(reason string) {
	for _, r := range b.RevisionReasons {
		if r == reason {
			return
		}
	}
	b.RevisionReasons = append(b.RevisionReasons, reason)
}

// ClearRevision 清除一次性修订触发标记。
func (b *Blackboard) ClearRevision() {
	b.NeedsRevision = false
	b.RevisionReasons = nil
}

// AddNote 追加一条草稿板条目。
func (b *Blackboard) AddNote(role, content string) {
	b.Notes = append(b.Notes, Note{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}
