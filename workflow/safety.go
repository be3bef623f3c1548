package workflow

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/cerina/foundry/llm"
	"github.com/cerina/foundry/llm/retry"
	"github.com/cerina/foundry/protocol"
	"go.uber.org/zap"
)

// 安全分确定性修正用的常量。模型的打分不可信，旗标数量和关键词
// 命中会把分数往下压，只压不抬。
const (
	safetyNotesLimit = 5000

	capManyFlags     = 75 // >= 5 个旗标
	capModerateFlags = 80 // >= 3 个旗标
	capFewFlags      = 90 // >= 1 个旗标
	capCritical      = 70 // 命中临界关键词
)

// criticalKeywords 命中任意一个即视为临界安全问题（大小写不敏感子串匹配）。
var criticalKeywords = []string{"self-harm", "suicide", "dangerous", "medical advice", "licensure", "unsafe"}

// SafetyReviewer 安全评审 Agent。
// LLM 只提供原始评估；最终分数经过解析兜底、钳位与确定性封顶，
// 任何失败路径都落到保守默认值而不是中断循环。
type SafetyReviewer struct {
	store    *protocol.Store
	provider llm.Provider
	retryer  retry.Retryer
	logger   *zap.Logger
}

// NewSafetyReviewer 创建安全评审 Agent。
func NewSafetyReviewer(store *protocol.Store, provider llm.Provider, retryer retry.Retryer, logger *zap.Logger) *SafetyReviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SafetyReviewer{
		store:    store,
		provider: provider,
		retryer:  retryer,
		logger:   logger.With(zap.String("component", "safety_reviewer")),
	}
}

// Run 执行一次安全评审并把结果落库。返回的 error 只代表持久化失败。
func (sr *SafetyReviewer) Run(ctx context.Context, bb *Blackboard) error {
	if err := sr.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: bb.ProtocolID,
		AgentRole:  protocol.RoleSafetyReviewer,
		AgentName:  "Safety Reviewer",
		Content:    "Reviewing protocol for safety concerns and inappropriate medical advice.",
		Type:       protocol.ThoughtTypeThought,
	}); err != nil {
		return err
	}

	score, reviewErr := sr.review(ctx, bb.CurrentDraft)
	bb.SafetyScore = score
	if reviewErr != nil {
		content := fmt.Sprintf("Error during safety review: %s", reviewErr.Error())
		if err := sr.store.AppendThought(ctx, &protocol.AgentThought{
			ProtocolID: bb.ProtocolID,
			AgentRole:  protocol.RoleSafetyReviewer,
			AgentName:  "Safety Reviewer",
			Content:    content,
			Type:       protocol.ThoughtTypeFeedback,
		}); err != nil {
			return err
		}
		bb.AddNote(protocol.RoleSafetyReviewer, content)
	}

	for _, flag := range score.Flags {
		bb.AddNote(protocol.RoleSafetyReviewer, fmt.Sprintf("Safety flag: %s", flag))
	}
	bb.AddNote(protocol.RoleSafetyReviewer,
		fmt.Sprintf("Safety review complete. Score: %d/100. %d flag(s) raised.", score.Score, len(score.Flags)))

	p, err := sr.store.Get(ctx, bb.ProtocolID)
	if err != nil {
		return err
	}
	p.SafetyScore = score
	if err := sr.store.Save(ctx, p); err != nil {
		return err
	}

	if err := sr.store.AppendThought(ctx, &protocol.AgentThought{
		ProtocolID: bb.ProtocolID,
		AgentRole:  protocol.RoleSafetyReviewer,
		AgentName:  "Safety Reviewer",
		Content:    fmt.Sprintf("Safety review complete. Score: %d/100. Flags: %d", score.Score, len(score.Flags)),
		Type:       protocol.ThoughtTypeFeedback,
	}); err != nil {
		return err
	}
	if len(score.Flags) > 0 {
		if err := sr.store.AppendThought(ctx, &protocol.AgentThought{
			ProtocolID: bb.ProtocolID,
			AgentRole:  protocol.RoleSafetyReviewer,
			AgentName:  "Safety Reviewer",
			Content:    fmt.Sprintf("Safety flags: %s", strings.Join(score.Flags, ", ")),
			Type:       protocol.ThoughtTypeFeedback,
		}); err != nil {
			return err
		}
	}

	sr.logger.Info("safety review complete",
		zap.String("protocol_id", bb.ProtocolID),
		zap.Int("score", score.Score),
		zap.Int("flags", len(score.Flags)),
	)
	return nil
}

// review 调用 LLM 并把输出规整为合法的 SafetyScore。
// LLM 调用失败时返回保守默认分和该错误，由调用方落一条错误反馈。
func (sr *SafetyReviewer) review(ctx context.Context, draft string) (protocol.SafetyScore, error) {
	text, err := sr.complete(ctx, safetyPrompt(draft))
	if err != nil {
		sr.logger.Error("safety review failed", zap.Error(err))
		return protocol.SafetyScore{
			Score: 50,
			Flags: []string{"Safety review error"},
			Notes: fmt.Sprintf("Error: %s", err.Error()),
		}, err
	}

	var raw map[string]any
	if err := llm.ExtractJSONObject(text, &raw); err != nil {
		sr.logger.Warn("safety response not parseable, using neutral default", zap.Error(err))
		return protocol.SafetyScore{
			Score: 75,
			Flags: []string{"Could not parse detailed safety assessment"},
			Notes: truncate(text, 500),
		}, nil
	}

	score := clampScore(llm.CoerceInt(raw["score"], 75))

	flags := llm.CoerceStringList(raw["flags"])
	for i, f := range flags {
		flags[i] = formatFlag(f)
	}

	notes := llm.CoerceString(raw["notes"], "Safety review completed")
	if len(notes) > safetyNotesLimit {
		notes = notes[:safetyNotesLimit] + "... (truncated)"
	}

	score = applyFlagCaps(score, flags)

	return protocol.SafetyScore{Score: score, Flags: flags, Notes: notes}, nil
}

func (sr *SafetyReviewer) complete(ctx context.Context, prompt string) (string, error) {
	if sr.retryer == nil {
		return sr.provider.Complete(ctx, prompt)
	}
	return retry.DoWithResultTyped(sr.retryer, ctx, func() (string, error) {
		return sr.provider.Complete(ctx, prompt)
	})
}

// applyFlagCaps 根据旗标数量和临界关键词对分数封顶。只降不升。
func applyFlagCaps(score int, flags []string) int {
	switch {
	case len(flags) >= 5:
		score = min(score, capManyFlags)
	case len(flags) >= 3:
		score = min(score, capModerateFlags)
	case len(flags) >= 1:
		score = min(score, capFewFlags)
	}

	for _, flag := range flags {
		lower := strings.ToLower(flag)
		for _, kw := range criticalKeywords {
			if strings.Contains(lower, kw) {
				return min(score, capCritical)
			}
		}
	}
	return score
}

// formatFlag 把 snake_case 旗标转成可读的 Title Case。
func formatFlag(flag string) string {
	words := strings.Fields(strings.ReplaceAll(flag, "_", " "))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// clampScore 钳位到 [0, 100]。
func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
