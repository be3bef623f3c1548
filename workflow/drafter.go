package workflow

import (
	"context"
	"fmt"

	"github.com/cerina/foundry/config"
	"github.com/cerina/foundry/llm"
	"github.com/cerina/foundry/llm/retry"
	"github.com/cerina/foundry/protocol"
	"go.uber.org/zap"
)

// Drafter 起草 Agent：创建或修订方案草稿。
// 成功一次即递增 iteration_count、生成一条版本快照并把状态推进到
// reviewing；失败走瞬态/配置两条不同的降级路径。
type Drafter struct {
	store    *protocol.Store
	provider llm.Provider
	retryer  retry.Retryer
	cfg      config.WorkflowConfig
	logger   *zap.Logger
}

// NewDrafter 创建起草 Agent。retryer 为 nil 时不做内层重试。
func NewDrafter(store *protocol.Store, provider llm.Provider, retryer retry.Retryer, cfg config.WorkflowConfig, logger *zap.Logger) *Drafter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drafter{
		store:    store,
		provider: provider,
		retryer:  retryer,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "drafter")),
	}
}

// Run 执行一次起草。返回的 error 只代表持久化失败；
// LLM 失败被吸收为黑板上的修订原因或终态，循环由 Driver 继续推进。
func (d *Drafter) Run(ctx context.Context, bb *Blackboard) error {
	if err := d.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: bb.ProtocolID,
		AgentRole:  protocol.RoleDrafter,
		AgentName:  "Drafter",
		Content:    "Starting draft creation/revision process.",
		Type:       protocol.ThoughtTypeThought,
	}); err != nil {
		return err
	}

	prompt := draftPrompt(bb)

	draft, err := d.complete(ctx, prompt)
	if err != nil {
		return d.handleFailure(ctx, bb, err)
	}

	bb.CurrentDraft = draft
	bb.IterationCount++
	bb.DraftFailures = 0
	bb.ClearRevision()

	p, err := d.store.Get(ctx, bb.ProtocolID)
	if err != nil {
		return err
	}
	p.CurrentDraft = draft
	p.IterationCount = bb.IterationCount
	// 首稿完成即进入评审阶段；人工终态绝不被回写覆盖。
	if p.Status == protocol.StatusDrafting || p.Status == protocol.StatusReviewing {
		p.Status = protocol.StatusReviewing
		bb.Status = protocol.StatusReviewing
	}
	if err := d.store.Save(ctx, p); err != nil {
		return err
	}

	if err := d.store.AppendVersion(ctx, &protocol.ProtocolVersion{
		ProtocolID: bb.ProtocolID,
		Version:    bb.IterationCount,
		Content:    draft,
		Author:     protocol.RoleDrafter,
	}); err != nil {
		return err
	}

	d.logger.Info("draft complete",
		zap.String("protocol_id", bb.ProtocolID),
		zap.Int("version", bb.IterationCount),
		zap.Int("length", len(draft)),
	)

	return d.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: bb.ProtocolID,
		AgentRole:  protocol.RoleDrafter,
		AgentName:  "Drafter",
		Content:    fmt.Sprintf("Draft created/revised (version %d). Length: %d characters.", bb.IterationCount, len(draft)),
		Type:       protocol.ThoughtTypeAction,
	})
}

func (d *Drafter) complete(ctx context.Context, prompt string) (string, error) {
	if d.retryer == nil {
		return d.provider.Complete(ctx, prompt)
	}
	return retry.DoWithResultTyped(d.retryer, ctx, func() (string, error) {
		return d.provider.Complete(ctx, prompt)
	})
}

// handleFailure 起草失败的降级路径。
// 配置错误（缺 key、401）重试毫无意义，直接 rejected；
// 瞬态错误累计到上限后才放弃，之前都转成修订原因让循环继续。
func (d *Drafter) handleFailure(ctx context.Context, bb *Blackboard, llmErr error) error {
	if err := d.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: bb.ProtocolID,
		AgentRole:  protocol.RoleDrafter,
		AgentName:  "Drafter",
		Content:    fmt.Sprintf("Error during draft creation: %s", truncate(llmErr.Error(), 150)),
		Type:       protocol.ThoughtTypeFeedback,
	}); err != nil {
		return err
	}

	if llm.IsConfigError(llmErr) {
		d.logger.Error("draft failed with configuration error", zap.Error(llmErr))
		return d.reject(ctx, bb,
			"LLM provider is not configured correctly. Workflow halted. Please check your API key and provider settings.")
	}

	if llm.IsTransient(llmErr) {
		bb.DraftFailures++
		if bb.DraftFailures >= d.cfg.DraftFailureLimit {
			d.logger.Error("draft failure limit reached",
				zap.Int("failures", bb.DraftFailures),
				zap.Error(llmErr),
			)
			return d.reject(ctx, bb,
				"Too many API errors (503). Workflow halted. The LLM API may be temporarily unavailable. Please try again later or check your API key.")
		}
	}

	d.logger.Warn("draft failed, scheduling revision",
		zap.Int("failures", bb.DraftFailures),
		zap.Error(llmErr),
	)
	bb.NeedsRevision = true
	bb.AddReason(fmt.Sprintf("Drafting error: %s", truncate(llmErr.Error(), 80)))
	return nil
}

func (d *Drafter) reject(ctx context.Context, bb *Blackboard, message string) error {
	if err := d.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: bb.ProtocolID,
		AgentRole:  protocol.RoleSupervisor,
		AgentName:  "Supervisor",
		Content:    message,
		Type:       protocol.ThoughtTypeFeedback,
	}); err != nil {
		return err
	}
	if err := d.store.UpdateStatus(ctx, bb.ProtocolID, protocol.StatusRejected); err != nil {
		return err
	}
	bb.Status = protocol.StatusRejected
	bb.ShouldHalt = true
	return nil
}

// truncate 截断展示用文本，超长时追加省略号。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
