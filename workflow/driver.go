package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cerina/foundry/config"
	"github.com/cerina/foundry/internal/metrics"
	"github.com/cerina/foundry/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning 同一协议已有在途执行。
	ErrAlreadyRunning = errors.New("workflow already running for this protocol")
	// ErrNotAwaitingApproval 人工裁决只在 awaiting_approval 状态下合法。
	ErrNotAwaitingApproval = errors.New("protocol is not awaiting approval")
	// ErrAlreadyTerminal 协议已处于终态。
	ErrAlreadyTerminal = errors.New("protocol is already in a terminal status")
)

// Driver 工作流驱动器：每个协议最多一个后台 goroutine，
// 反复执行 路由 → 派发 → 状态复查 直到终态。
// 进程崩溃后由 ResumeInterrupted 根据持久化状态续跑，
// 所以循环里的持久化失败直接退出而不补偿，状态留给下次恢复。
type Driver struct {
	store   *protocol.Store
	router  *Router
	drafter *Drafter
	safety  *SafetyReviewer
	tone    *ToneReviewer
	cfg     config.WorkflowConfig
	metrics *metrics.Collector
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewDriver 创建驱动器。collector 可为 nil。
func NewDriver(store *protocol.Store, router *Router, drafter *Drafter, safety *SafetyReviewer, tone *ToneReviewer, cfg config.WorkflowConfig, collector *metrics.Collector, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		store:    store,
		router:   router,
		drafter:  drafter,
		safety:   safety,
		tone:     tone,
		cfg:      cfg,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "driver")),
		inflight: make(map[string]struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Launch 为协议启动一次后台执行。
// 终态协议和已在途的协议都会被拒绝。
func (d *Driver) Launch(ctx context.Context, protocolID string) error {
	p, err := d.store.Get(ctx, protocolID)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	d.mu.Lock()
	if _, ok := d.inflight[protocolID]; ok {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.inflight[protocolID] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	d.metrics.WorkflowStarted()
	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inflight, protocolID)
			d.mu.Unlock()
			d.metrics.WorkflowStopped()
			d.wg.Done()
		}()
		d.run(p)
	}()
	return nil
}

// Running 报告协议是否有在途执行。
func (d *Driver) Running(protocolID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[protocolID]
	return ok
}

// Close 取消所有在途执行并等待退出。循环只在步骤边界检查取消，
// 正在进行的单次 LLM 调用会被 context 终止。
func (d *Driver) Close() {
	d.cancel()
	d.wg.Wait()
}

// run 单个协议的执行循环。错误不向上抛，日志后退出，
// 持久化状态决定下次 ResumeInterrupted 从哪里继续。
func (d *Driver) run(p *protocol.Protocol) {
	ctx := d.baseCtx
	bb := NewBlackboard(p)
	start := time.Now()

	logger := d.logger.With(zap.String("protocol_id", p.ID))
	logger.Info("workflow started",
		zap.String("status", string(p.Status)),
		zap.Int("iteration", p.IterationCount),
	)

	// 兜底步数阀：路由器保证终止，这里防的是它的缺陷。
	// 每轮迭代最多消耗 起草 + 两评审上限 + 对应的路由决策。
	maxSteps := (d.cfg.MaxIterations + 1 + 2*d.cfg.MaxAgentVisits) * 2

	for step := 0; step < maxSteps; step++ {
		if ctx.Err() != nil {
			logger.Info("workflow interrupted", zap.Int("steps", step))
			return
		}

		decision, err := d.router.Route(ctx, bb)
		if err != nil {
			logger.Error("routing failed, leaving workflow for resume", zap.Error(err))
			return
		}
		d.metrics.RecordRoutingDecision(decision.String())

		// 决策与派发之间状态可能被并发推进，预算复查兜底。
		decision, err = d.router.EnsureVisitBudget(ctx, bb, decision)
		if err != nil {
			logger.Error("visit budget check failed", zap.Error(err))
			return
		}

		if decision == DecisionFinish || decision == DecisionHalt {
			d.finishRun(bb, start, logger)
			return
		}

		if err := d.dispatch(ctx, bb, decision); err != nil {
			logger.Error("agent step failed, leaving workflow for resume",
				zap.String("decision", decision.String()),
				zap.Error(err),
			)
			return
		}

		// 步骤边界的状态复查：Agent 可能已把协议推到终态
		// （起草失败降级为 rejected），人工操作也可能已介入。
		if bb.Status.Terminal() {
			d.finishRun(bb, start, logger)
			return
		}
	}

	// 步数阀触发：强制暂停等待人工，绝不无限循环。
	logger.Error("step valve triggered, forcing awaiting_approval", zap.Int("max_steps", maxSteps))
	if err := d.store.UpdateStatus(ctx, bb.ProtocolID, protocol.StatusAwaitingApproval); err != nil {
		logger.Error("failed to persist forced pause", zap.Error(err))
	}
}

func (d *Driver) dispatch(ctx context.Context, bb *Blackboard, decision Decision) error {
	var (
		role string
		err  error
	)
	start := time.Now()

	switch decision {
	case DecisionDrafter:
		role = protocol.RoleDrafter
		err = d.drafter.Run(ctx, bb)
	case DecisionSafetyReviewer:
		role = protocol.RoleSafetyReviewer
		err = d.safety.Run(ctx, bb)
	case DecisionToneReviewer:
		role = protocol.RoleToneReviewer
		err = d.tone.Run(ctx, bb)
	default:
		return fmt.Errorf("undispatchable decision %q", decision)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordAgentRun(role, status, time.Since(start))
	bb.LastAgent = role
	return err
}

func (d *Driver) finishRun(bb *Blackboard, start time.Time, logger *zap.Logger) {
	d.metrics.RecordWorkflowCompleted(string(bb.Status), bb.IterationCount)
	logger.Info("workflow finished",
		zap.String("status", string(bb.Status)),
		zap.Int("iterations", bb.IterationCount),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// ResumeInterrupted 恢复所有进行中的协议。服务启动时调用一次，
// 把崩溃前的 drafting/reviewing 状态续跑下去。
func (d *Driver) ResumeInterrupted(ctx context.Context) (int, error) {
	interrupted, err := d.store.ListInProgress(ctx)
	if err != nil {
		return 0, fmt.Errorf("list interrupted workflows: %w", err)
	}
	if len(interrupted) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	resumed := 0
	for i := range interrupted {
		p := interrupted[i]
		resumed++
		g.Go(func() error {
			if err := d.Launch(gctx, p.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				return fmt.Errorf("resume %s: %w", p.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return resumed, err
	}

	d.logger.Info("resumed interrupted workflows", zap.Int("count", resumed))
	return resumed, nil
}

// Approve 人工批准。唯一能把协议推进到 approved 的路径。
// 无论是否带编辑稿，都落一条 author=system 的最终版本。
func (d *Driver) Approve(ctx context.Context, protocolID, approvedBy, editedDraft string) (*protocol.Protocol, error) {
	p, err := d.store.Get(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	if p.Status != protocol.StatusAwaitingApproval {
		return nil, ErrNotAwaitingApproval
	}

	if draft := strings.TrimSpace(editedDraft); draft != "" && draft != p.CurrentDraft {
		p.CurrentDraft = draft
	}
	p.IterationCount++
	if err := d.store.AppendVersion(ctx, &protocol.ProtocolVersion{
		ProtocolID: p.ID,
		Version:    p.IterationCount,
		Content:    p.CurrentDraft,
		Author:     protocol.RoleSystem,
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.Status = protocol.StatusApproved
	p.ApprovedAt = &now
	p.ApprovedBy = approvedBy
	if err := d.store.Save(ctx, p); err != nil {
		return nil, err
	}

	if err := d.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: p.ID,
		AgentRole:  protocol.RoleSystem,
		AgentName:  "System",
		Content:    fmt.Sprintf("Protocol approved by %s.", approvedBy),
		Type:       protocol.ThoughtTypeAction,
	}); err != nil {
		return nil, err
	}

	d.logger.Info("protocol approved",
		zap.String("protocol_id", p.ID),
		zap.String("approved_by", approvedBy),
	)
	return p, nil
}

// Reject 人工否决。允许从任何非终态（含 awaiting_approval）进入，
// 在途循环会在下一个步骤边界观察到并退出。
func (d *Driver) Reject(ctx context.Context, protocolID, reason string) (*protocol.Protocol, error) {
	p, err := d.store.Get(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	if p.Status == protocol.StatusApproved || p.Status == protocol.StatusRejected {
		return nil, ErrAlreadyTerminal
	}

	p.Status = protocol.StatusRejected
	p.RejectedReason = reason
	if err := d.store.Save(ctx, p); err != nil {
		return nil, err
	}

	content := "Protocol rejected."
	if reason != "" {
		content = fmt.Sprintf("Protocol rejected: %s", reason)
	}
	if err := d.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: p.ID,
		AgentRole:  protocol.RoleSystem,
		AgentName:  "System",
		Content:    content,
		Type:       protocol.ThoughtTypeAction,
	}); err != nil {
		return nil, err
	}

	d.logger.Info("protocol rejected",
		zap.String("protocol_id", p.ID),
		zap.String("reason", reason),
	)
	return p, nil
}

// Halt 人工暂停：把进行中的协议推到 awaiting_approval。
// 在途循环在下一次路由时观察到并正常收尾。
func (d *Driver) Halt(ctx context.Context, protocolID string) (*protocol.Protocol, error) {
	p, err := d.store.Get(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}

	if err := d.store.UpdateStatus(ctx, protocolID, protocol.StatusAwaitingApproval); err != nil {
		return nil, err
	}
	p.Status = protocol.StatusAwaitingApproval

	if err := d.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: p.ID,
		AgentRole:  protocol.RoleSystem,
		AgentName:  "System",
		Content:    "Workflow halted by operator. Protocol is awaiting human approval.",
		Type:       protocol.ThoughtTypeAction,
	}); err != nil {
		return nil, err
	}

	d.logger.Info("protocol halted", zap.String("protocol_id", p.ID))
	return p, nil
}
