package workflow

import (
	"fmt"
	"strings"
)

// 提示词模板。全部返回纯文本，由各 Agent 直接送入 Provider.Complete。
// 评审类提示词要求模型只输出 JSON，对应的解析在各评审器里做防御性兜底。

// draftPrompt 按黑板状态生成创建或修订提示词。
func draftPrompt(bb *Blackboard) string {
	if bb.NeedsRevision || len(bb.RevisionReasons) > 0 || bb.HasDraft() {
		return revisePrompt(bb)
	}
	return createPrompt(bb)
}

func createPrompt(bb *Blackboard) string {
	return fmt.Sprintf(`You are a clinical protocol drafter specializing in Cognitive Behavioral Therapy (CBT) exercises.

Create a comprehensive CBT protocol based on:

Protocol Type: %s
Intent: %s

The protocol should be:
- Safe and appropriate for clinical use
- Written in empathetic, supportive language
- Well-structured with clear, actionable steps
- Evidence-based and following CBT principles
- Tailored to the specific intent provided

Format as clear, actionable steps that a clinician can use with a patient.`, bb.ProtocolType, bb.Intent)
}

func revisePrompt(bb *Blackboard) string {
	var b strings.Builder

	verb := "create"
	if bb.HasDraft() {
		verb = "revise"
	}

	fmt.Fprintf(&b, `You are a clinical protocol drafter specializing in Cognitive Behavioral Therapy (CBT) exercises.

Your task is to %s a CBT protocol based on the following requirements:

Protocol Type: %s
Intent: %s
`, verb, bb.ProtocolType, bb.Intent)

	if len(bb.RevisionReasons) > 0 {
		fmt.Fprintf(&b, "\nREVISION NEEDED: %s\n", strings.Join(bb.RevisionReasons, ", "))
	}

	if bb.HasDraft() {
		fmt.Fprintf(&b, "\nCurrent Draft:\n%s\n", bb.CurrentDraft)
	} else {
		b.WriteString("\nNo draft exists yet.\n")
	}

	if notes := strings.TrimSpace(bb.SafetyScore.Notes); notes != "" {
		fmt.Fprintf(&b, "\nSafety Feedback:\n%s\n", notes)
	}

	if len(bb.EmpathyMetrics.Suggestions) > 0 {
		b.WriteString("\nEmpathy Feedback:\n")
		for _, s := range bb.EmpathyMetrics.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	b.WriteString(`
Create a comprehensive, structured CBT protocol that:
1. Is safe and appropriate for clinical use
2. Uses empathetic, supportive language
3. Is well-structured with clear steps
4. Addresses the specific intent and protocol type
5. Follows evidence-based CBT principles

Format the protocol as clear, actionable steps that a clinician can use with a patient.`)

	return b.String()
}

// safetyPrompt 安全评审提示词。打分指引和 JSON 结构必须与解析端的
// 兜底默认值保持一致。
func safetyPrompt(draft string) string {
	return fmt.Sprintf(`You are a safety guardian reviewing a CBT protocol for potential safety issues.

Review the following protocol draft and identify:
1. Any content that could encourage self-harm or dangerous behaviors
2. Medical advice that should only come from licensed healthcare providers
3. Content that could be harmful or inappropriate
4. Any other safety concerns

Protocol Draft:
%s

Provide your assessment in JSON format ONLY. Return ONLY the JSON object with this exact structure:

{
    "score": 85,
    "flags": ["flag1", "flag2"],
    "notes": "A plain text summary of your safety assessment. Keep it concise but informative."
}

SCORING GUIDELINES:
- Score 90-100: No significant safety concerns, protocol is safe for clinical use
- Score 80-89: Minor safety concerns that should be noted but don't prevent use
- Score 70-79: Moderate safety concerns that require attention
- Score 60-69: Significant safety concerns that need revision
- Score 50-59: Major safety concerns, protocol needs substantial revision
- Score 0-49: Critical safety issues, protocol is unsafe

IMPORTANT:
- The score MUST correlate with the number and severity of flags
- More flags = lower score (e.g., 5+ flags should result in score < 80)
- Critical safety issues (self-harm, medical advice) should result in score < 70
- "score" must be an integer between 0-100
- "flags" must be an array of strings (e.g., ["concern1", "concern2"])
- "notes" must be a plain text string, NOT a nested object or array
- Do NOT include any explanation outside the JSON
- Do NOT use nested structures in the "notes" field

Be thorough but fair. Only flag genuine safety concerns. Return ONLY valid JSON.`, draft)
}

// tonePrompt 共情与语气评审提示词。
func tonePrompt(draft string) string {
	return fmt.Sprintf(`You are a clinical critic reviewing a CBT protocol for empathy, tone, and structure.

Evaluate the following protocol:
%s

Assess:
1. Empathy: Is the language warm, supportive, and understanding?
2. Tone: Is it appropriate for a clinical setting? Professional yet compassionate?
3. Structure: Is it well-organized and easy to follow?
4. Clinical quality: Does it follow evidence-based CBT principles?

Provide your assessment in JSON format:
{
    "score": <0-100>,
    "tone": "description of tone",
    "suggestions": ["suggestion1", "suggestion2"]
}`, draft)
}

// advisoryPrompt 路由咨询提示词。模型只给参考建议，硬约束由
// Router 的确定性覆盖保证。
func advisoryPrompt(bb *Blackboard) string {
	return fmt.Sprintf(`You are a workflow supervisor for a clinical protocol drafting pipeline.

Current state:
- Iteration: %d
- Draft present: %t
- Safety score: %d/100 with %d flag(s)
- Empathy score: %d/100

Available next steps: drafter, safety_reviewer, tone_reviewer, finish

Rules you must respect:
- Safety review always runs before tone review
- The workflow may only finish after both reviews are complete

Respond with exactly one word naming the next step.`,
		bb.IterationCount,
		bb.HasDraft(),
		bb.SafetyScore.Score, len(bb.SafetyScore.Flags),
		bb.EmpathyMetrics.Score)
}
