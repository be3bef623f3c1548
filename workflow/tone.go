package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/cerina/foundry/llm"
	"github.com/cerina/foundry/llm/retry"
	"github.com/cerina/foundry/protocol"
	"go.uber.org/zap"
)

// ToneReviewer 共情与语气评审 Agent。
// 评估语言是否温暖、支持性、适合临床场景，产出共情分、语气描述
// 和改进建议。与安全评审同样的防御性解析策略。
type ToneReviewer struct {
	store    *protocol.Store
	provider llm.Provider
	retryer  retry.Retryer
	logger   *zap.Logger
}

// NewToneReviewer 创建语气评审 Agent。
func NewToneReviewer(store *protocol.Store, provider llm.Provider, retryer retry.Retryer, logger *zap.Logger) *ToneReviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToneReviewer{
		store:    store,
		provider: provider,
		retryer:  retryer,
		logger:   logger.With(zap.String("component", "tone_reviewer")),
	}
}

// Run 执行一次语气评审并把结果落库。返回的 error 只代表持久化失败。
func (tr *ToneReviewer) Run(ctx context.Context, bb *Blackboard) error {
	if err := tr.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: bb.ProtocolID,
		AgentRole:  protocol.RoleToneReviewer,
		AgentName:  "Tone Reviewer",
		Content:    "Evaluating protocol for empathy, tone, and clinical structure.",
		Type:       protocol.ThoughtTypeThought,
	}); err != nil {
		return err
	}

	metrics, reviewErr := tr.review(ctx, bb.CurrentDraft)
	bb.EmpathyMetrics = metrics
	if reviewErr != nil {
		if err := tr.store.AppendThought(ctx, &protocol.AgentThought{
			ProtocolID: bb.ProtocolID,
			AgentRole:  protocol.RoleToneReviewer,
			AgentName:  "Tone Reviewer",
			Content:    fmt.Sprintf("Error during clinical review: %s", reviewErr.Error()),
			Type:       protocol.ThoughtTypeFeedback,
		}); err != nil {
			return err
		}
	}

	p, err := tr.store.Get(ctx, bb.ProtocolID)
	if err != nil {
		return err
	}
	p.EmpathyMetrics = metrics
	if err := tr.store.Save(ctx, p); err != nil {
		return err
	}

	if err := tr.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: bb.ProtocolID,
		AgentRole:  protocol.RoleToneReviewer,
		AgentName:  "Tone Reviewer",
		Content:    fmt.Sprintf("Clinical review complete. Empathy score: %d/100. Tone: %s", metrics.Score, metrics.Tone),
		Type:       protocol.ThoughtTypeFeedback,
	}); err != nil {
		return err
	}
	if len(metrics.Suggestions) > 0 {
		head := metrics.Suggestions
		if len(head) > 3 {
			head = head[:3]
		}
		if err := tr.store.AppendThought(ctx, &protocol.AgentThought{
			ProtocolID: bb.ProtocolID,
			AgentRole:  protocol.RoleToneReviewer,
			AgentName:  "Tone Reviewer",
			Content:    fmt.Sprintf("Suggestions: %s", strings.Join(head, ", ")),
			Type:       protocol.ThoughtTypeFeedback,
		}); err != nil {
			return err
		}
	}

	tr.logger.Info("tone review complete",
		zap.String("protocol_id", bb.ProtocolID),
		zap.Int("score", metrics.Score),
		zap.String("tone", metrics.Tone),
	)
	return nil
}

// review 调用 LLM 并把输出规整为合法的 EmpathyMetrics。
// LLM 调用失败时返回中性默认值和该错误，由调用方落一条错误反馈。
func (tr *ToneReviewer) review(ctx context.Context, draft string) (protocol.EmpathyMetrics, error) {
	text, err := tr.complete(ctx, tonePrompt(draft))
	if err != nil {
		tr.logger.Error("tone review failed", zap.Error(err))
		return protocol.EmpathyMetrics{
			Score:       70,
			Tone:        "neutral",
			Suggestions: []string{fmt.Sprintf("Review error: %s", err.Error())},
		}, err
	}

	var raw map[string]any
	if err := llm.ExtractJSONObject(text, &raw); err != nil {
		tr.logger.Warn("tone response not parseable, using neutral default", zap.Error(err))
		return protocol.EmpathyMetrics{
			Score:       75,
			Tone:        "Generally appropriate",
			Suggestions: []string{"Could not parse detailed assessment"},
		}, nil
	}

	return protocol.EmpathyMetrics{
		Score:       clampScore(llm.CoerceInt(raw["score"], 75)),
		Tone:        coerceTone(raw["tone"]),
		Suggestions: llm.CoerceStringList(raw["suggestions"]),
	}, nil
}

func (tr *ToneReviewer) complete(ctx context.Context, prompt string) (string, error) {
	if tr.retryer == nil {
		return tr.provider.Complete(ctx, prompt)
	}
	return retry.DoWithResultTyped(tr.retryer, ctx, func() (string, error) {
		return tr.provider.Complete(ctx, prompt)
	})
}

// coerceTone 把 tone 字段规整为纯文本。
// 模型偶尔返回嵌套对象，优先取 assessment/suggestion 字段。
func coerceTone(v any) string {
	switch t := v.(type) {
	case nil:
		return "neutral"
	case string:
		if t == "" {
			return "neutral"
		}
		return t
	case map[string]any:
		if s, ok := t["assessment"].(string); ok && s != "" {
			return s
		}
		if s, ok := t["suggestion"].(string); ok && s != "" {
			return s
		}
		return "Appropriate"
	default:
		return llm.CoerceString(v, "neutral")
	}
}
