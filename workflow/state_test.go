package workflow

import (
	"testing"

	"github.com/cerina/foundry/protocol"
	"github.com/stretchr/testify/assert"
)

func TestBlackboard_SyncFromProtocol(t *testing.T) {
	p := &protocol.Protocol{
		ID:             "p1",
		Intent:         "help with insomnia",
		ProtocolType:   "sleep_hygiene",
		ThreadID:       "t1",
		CurrentDraft:   "Step 1",
		IterationCount: 2,
		Status:         protocol.StatusReviewing,
		SafetyScore:    protocol.SafetyScore{Score: 85},
	}
	bb := NewBlackboard(p)

	assert.Equal(t, "p1", bb.ProtocolID)
	assert.Equal(t, "Step 1", bb.CurrentDraft)
	assert.Equal(t, 2, bb.IterationCount)
	assert.Equal(t, 85, bb.SafetyScore.Score)
	assert.False(t, bb.ShouldHalt)

	// awaiting_approval 推导出 should_halt
	p.Status = protocol.StatusAwaitingApproval
	bb.SyncFromProtocol(p)
	assert.True(t, bb.ShouldHalt)
}

func TestBlackboard_HasDraft(t *testing.T) {
	bb := &Blackboard{}
	assert.False(t, bb.HasDraft())

	bb.CurrentDraft = "   \n\t  "
	assert.False(t, bb.HasDraft())

	bb.CurrentDraft = "Step 1: breathe."
	assert.True(t, bb.HasDraft())
}

func TestBlackboard_AddReason_Deduplicates(t *testing.T) {
	bb := &Blackboard{}
	bb.AddReason("Safety score below threshold")
	bb.AddReason("Empathy score below threshold")
	bb.AddReason("Safety score below threshold")

	assert.Equal(t, []string{
		"Safety score below threshold",
		"Empathy score below threshold",
	}, bb.RevisionReasons)
}

func TestBlackboard_ClearRevision(t *testing.T) {
	bb := &Blackboard{NeedsRevision: true}
	bb.AddReason("x")

	bb.ClearRevision()
	assert.False(t, bb.NeedsRevision)
	assert.Empty(t, bb.RevisionReasons)
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "drafter", DecisionDrafter.String())
	assert.Equal(t, "safety_reviewer", DecisionSafetyReviewer.String())
	assert.Equal(t, "tone_reviewer", DecisionToneReviewer.String())
	assert.Equal(t, "finish", DecisionFinish.String())
	assert.Equal(t, "unknown", DecisionUnknown.String())
}
