package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/cerina/foundry/config"
	"github.com/cerina/foundry/llm"
	"github.com/cerina/foundry/protocol"
	"go.uber.org/zap"
)

// Router 是监督者决策引擎：读取与存储重新对齐后的 Blackboard，
// 按固定优先级的规则表选出下一个 Agent 或终止执行。
//
// 规则表的优先级（先匹配先赢）：
//  1. 已终止（rejected/approved）→ finish，不再运行任何 Agent
//  2. 人工闸门（should_halt / awaiting_approval）→ finish
//  3. 没有草稿 → drafter
//  4. 一次性修订请求 → drafter（触发后立即清除）
//  5. 迭代硬上限 → finish（与分数无关的熔断器）
//  6. 强制评审顺序：safety 先于 tone，且 safety 完成后 tone 无条件执行
//  7. 单 Agent 访问上限 → 超限时改为 finish
//  8. 双评审完成后按阈值定夺：不达标 → drafter 修订；达标 → finish
//  9. 兜底：任何未覆盖状态 → finish（缺陷降级为安全终态，而不是死循环）
//
// 可选的 LLM 咨询只在第 8 步的歧义场景生效，且确定性覆盖
// 必须在模型建议之后重新施加 —— 生成文本永远没有最终权威。
type Router struct {
	store   *protocol.Store
	advisor llm.Provider
	cfg     config.WorkflowConfig
	logger  *zap.Logger
}

// NewRouter 创建监督者路由器。advisor 可为 nil（纯确定性路由）。
func NewRouter(store *protocol.Store, advisor llm.Provider, cfg config.WorkflowConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:   store,
		advisor: advisor,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "router")),
	}
}

// Route 做一次路由决策。
// 副作用：可能把 status 推进到 awaiting_approval；每次调用恰好追加
// 一条 AgentThought 和一条草稿板记录说明决策理由；绝不修改分数或草稿。
func (r *Router) Route(ctx context.Context, bb *Blackboard) (Decision, error) {
	// 存储是事实来源：决策前必须重读最新行。
	// 另一个进程、恢复的执行或人工操作可能已经推进了状态。
	p, err := r.store.Get(ctx, bb.ProtocolID)
	if err != nil {
		return DecisionUnknown, fmt.Errorf("reconcile blackboard: %w", err)
	}
	bb.SyncFromProtocol(p)

	decision, reason, err := r.decide(ctx, bb)
	if err != nil {
		return DecisionUnknown, err
	}

	// 评审 Agent 的访问上限在决策和派发之间还会被 Driver 复查一次；
	// 这里是第一道闸。
	if decision == DecisionSafetyReviewer || decision == DecisionToneReviewer {
		capped, err := r.applyVisitCeiling(ctx, bb, decision)
		if err != nil {
			return DecisionUnknown, err
		}
		if capped != decision {
			decision = capped
			reason = "Visit ceiling reached. Protocol ready for human approval."
		}
	}

	if decision == DecisionFinish && !bb.Status.Terminal() {
		if err := r.finish(ctx, bb); err != nil {
			return DecisionUnknown, err
		}
	}

	bb.NextAgent = decision
	bb.AddNote(protocol.RoleSupervisor, reason)
	thought := &protocol.AgentThought{
		ProtocolID: bb.ProtocolID,
		AgentRole:  protocol.RoleSupervisor,
		AgentName:  "Supervisor",
		Content: fmt.Sprintf("Reviewing state at iteration %d (status %s, safety %d, empathy %d). %s",
			bb.IterationCount, bb.Status, bb.SafetyScore.Score, bb.EmpathyMetrics.Score, reason),
		Type: protocol.ThoughtTypeThought,
	}
	if err := r.store.AppendThought(ctx, thought); err != nil {
		return DecisionUnknown, err
	}

	r.logger.Info("routing decision",
		zap.String("protocol_id", bb.ProtocolID),
		zap.String("decision", decision.String()),
		zap.Int("iteration", bb.IterationCount),
		zap.String("status", string(bb.Status)),
	)

	return decision, nil
}

// decide 执行确定性规则表，返回决策和人类可读的理由。
// 不做任何写入；状态副作用由 Route 统一处理。
// 持久化读失败时原样上抛：状态必须停在最后一次成功提交的值上，
// 重启后才能从断点续跑，绝不允许降级成一次状态迁移。
func (r *Router) decide(ctx context.Context, bb *Blackboard) (Decision, string, error) {
	// 1. rejected/approved 是硬终态：绝不再运行任何 Agent。
	// 这里必须显式检查而不是依赖兜底，人工 reject 可能发生在任意时刻。
	if bb.Status == protocol.StatusRejected {
		return DecisionFinish, "Protocol was rejected. No further agent will run.", nil
	}
	if bb.Status == protocol.StatusApproved {
		return DecisionFinish, "Protocol already approved. Workflow complete.", nil
	}

	// 2. 人工闸门
	if bb.ShouldHalt || bb.Status == protocol.StatusAwaitingApproval {
		return DecisionFinish, "Protocol is ready for human approval. Finishing workflow.", nil
	}

	// 3. 没有草稿
	if !bb.HasDraft() {
		return DecisionDrafter, "No draft exists. Routing to Drafter to create initial draft.", nil
	}

	// 4. 一次性修订请求
	if bb.NeedsRevision {
		reasons := strings.Join(bb.RevisionReasons, ", ")
		bb.NeedsRevision = false
		return DecisionDrafter, fmt.Sprintf("Revision needed: %s. Routing to Drafter.", reasons), nil
	}

	// 5. 迭代硬上限：与分数无关的熔断器。
	// 即使评审从未运行过也必须触发，保证循环有限。
	if bb.IterationCount >= r.cfg.MaxIterations {
		return DecisionFinish, "Maximum iterations reached. Protocol ready for human approval.", nil
	}

	// 6. 强制评审顺序。访问与否只认持久化的 thought 记录。
	safetyVisited, err := r.store.HasVisited(ctx, bb.ProtocolID, protocol.RoleSafetyReviewer)
	if err != nil {
		return DecisionUnknown, "", fmt.Errorf("check safety review progress: %w", err)
	}
	toneVisited, err := r.store.HasVisited(ctx, bb.ProtocolID, protocol.RoleToneReviewer)
	if err != nil {
		return DecisionUnknown, "", fmt.Errorf("check tone review progress: %w", err)
	}

	if !safetyVisited || !bb.SafetyScore.Set() {
		return DecisionSafetyReviewer, "Draft complete. Routing to Safety Reviewer for review.", nil
	}
	if !toneVisited {
		// 无条件：安全分再低也不跳过语气评审，修订在其后统一定夺。
		return DecisionToneReviewer, "Safety review recorded. Routing to Tone Reviewer for empathy and tone review.", nil
	}
	if !bb.EmpathyMetrics.Set() {
		return DecisionToneReviewer, "Tone review incomplete. Routing to Tone Reviewer again.", nil
	}

	// 8. 双评审已完成：按阈值定夺。唯一允许 LLM 咨询的场景。
	decision, reason := r.disposition(bb)
	if r.cfg.AdvisoryRouting && r.advisor != nil {
		decision, reason = r.consultAdvisor(ctx, bb, decision, reason, safetyVisited, toneVisited)
	}
	return decision, reason, nil
}

// disposition 双评审完成后的确定性定夺。
func (r *Router) disposition(bb *Blackboard) (Decision, string) {
	if bb.SafetyScore.Score < r.cfg.SafetyThreshold {
		bb.NeedsRevision = true
		bb.AddReason("Safety score below threshold")
		return DecisionDrafter, "Safety score below threshold. Routing to Drafter for revision."
	}
	if bb.EmpathyMetrics.Score < r.cfg.EmpathyThreshold {
		bb.NeedsRevision = true
		bb.AddReason("Empathy score below threshold")
		return DecisionDrafter, "Empathy score below threshold. Routing to Drafter for revision."
	}
	return DecisionFinish, "Protocol meets quality thresholds. Ready for human approval."
}

// consultAdvisor 向模型咨询路由建议，仅作为参考输入。
// 模型永远不能跳过 safety→tone 顺序，也不能在双评审完成前 finish；
// 调用失败或输出不可解析时静默回退到确定性决策。
func (r *Router) consultAdvisor(ctx context.Context, bb *Blackboard, fallback Decision, fallbackReason string, safetyVisited, toneVisited bool) (Decision, string) {
	text, err := r.advisor.Complete(ctx, advisoryPrompt(bb))
	if err != nil {
		r.logger.Debug("advisory routing failed, using deterministic decision", zap.Error(err))
		return fallback, fallbackReason
	}

	suggested, ok := ParseDecision(text)
	if !ok {
		r.logger.Debug("advisory routing returned unparseable decision",
			zap.String("raw", strings.TrimSpace(text)))
		return fallback, fallbackReason
	}

	// 确定性覆盖：顺序不变量在模型建议之后重新施加。
	switch suggested {
	case DecisionToneReviewer:
		if !safetyVisited {
			return fallback, fallbackReason
		}
	case DecisionFinish, DecisionFinalize, DecisionHalt:
		if !safetyVisited || !toneVisited {
			return fallback, fallbackReason
		}
		suggested = DecisionFinish
	case DecisionDrafter, DecisionSafetyReviewer:
		// 可接受
	default:
		return fallback, fallbackReason
	}

	if suggested == fallback {
		return fallback, fallbackReason
	}
	return suggested, fmt.Sprintf("Advisory routing suggests %s. Deterministic overrides re-applied.", suggested)
}

// applyVisitCeiling 检查评审 Agent 的访问上限，超限时改为 finish。
func (r *Router) applyVisitCeiling(ctx context.Context, bb *Blackboard, decision Decision) (Decision, error) {
	role := protocol.RoleSafetyReviewer
	if decision == DecisionToneReviewer {
		role = protocol.RoleToneReviewer
	}
	visits, err := r.store.VisitCount(ctx, bb.ProtocolID, role)
	if err != nil {
		return DecisionUnknown, fmt.Errorf("check visit ceiling: %w", err)
	}
	if visits >= r.cfg.MaxAgentVisits {
		r.logger.Warn("visit ceiling reached, overriding to finish",
			zap.String("protocol_id", bb.ProtocolID),
			zap.String("agent_role", role),
			zap.Int("visits", visits),
		)
		return DecisionFinish, nil
	}
	return decision, nil
}

// EnsureVisitBudget 派发前的兜底复查。
// 决策与派发之间可能插入并发恢复执行，上限绝不允许被突破。
func (r *Router) EnsureVisitBudget(ctx context.Context, bb *Blackboard, decision Decision) (Decision, error) {
	if decision != DecisionSafetyReviewer && decision != DecisionToneReviewer {
		return decision, nil
	}
	capped, err := r.applyVisitCeiling(ctx, bb, decision)
	if err != nil {
		return DecisionUnknown, err
	}
	if capped != decision {
		if err := r.finish(ctx, bb); err != nil {
			return DecisionUnknown, err
		}
	}
	return capped, nil
}

// finish 把协议推进到 awaiting_approval 并落库。
func (r *Router) finish(ctx context.Context, bb *Blackboard) error {
	if err := r.store.UpdateStatus(ctx, bb.ProtocolID, protocol.StatusAwaitingApproval); err != nil {
		return fmt.Errorf("persist awaiting_approval: %w", err)
	}
	bb.Status = protocol.StatusAwaitingApproval
	bb.ShouldHalt = true
	return nil
}
