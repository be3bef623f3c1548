package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cerina/foundry/protocol"
	"github.com/cerina/foundry/testutil"
	"github.com/cerina/foundry/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToneReviewer_ValidAssessment(t *testing.T) {
	store := testutil.NewTestStore(t)
	provider := mocks.NewMockProvider().WithResponse(
		`{"score": 88, "tone": "warm and supportive", "suggestions": ["Add a closing affirmation"]}`)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})

	bb := NewBlackboard(p)
	tr := NewToneReviewer(store, provider, nil, nil)
	require.NoError(t, tr.Run(context.Background(), bb))

	assert.Equal(t, 88, bb.EmpathyMetrics.Score)
	assert.Equal(t, "warm and supportive", bb.EmpathyMetrics.Tone)
	assert.Equal(t, []string{"Add a closing affirmation"}, bb.EmpathyMetrics.Suggestions)

	got, err := store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 88, got.EmpathyMetrics.Score)
}

func TestToneReviewer_ToneAsObject_ExtractsAssessment(t *testing.T) {
	store := testutil.NewTestStore(t)
	provider := mocks.NewMockProvider().WithResponse(
		`{"score": 82, "tone": {"assessment": "clinical but kind", "detail": "x"}, "suggestions": []}`)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})

	bb := NewBlackboard(p)
	tr := NewToneReviewer(store, provider, nil, nil)
	require.NoError(t, tr.Run(context.Background(), bb))
	assert.Equal(t, "clinical but kind", bb.EmpathyMetrics.Tone)
}

func TestToneReviewer_SuggestionsAsString_WrappedInList(t *testing.T) {
	store := testutil.NewTestStore(t)
	provider := mocks.NewMockProvider().WithResponse(
		`{"score": 82, "tone": "fine", "suggestions": "soften the intro"}`)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})

	bb := NewBlackboard(p)
	tr := NewToneReviewer(store, provider, nil, nil)
	require.NoError(t, tr.Run(context.Background(), bb))
	assert.Equal(t, []string{"soften the intro"}, bb.EmpathyMetrics.Suggestions)
}

func TestToneReviewer_UnparseableResponse_NeutralDefault(t *testing.T) {
	store := testutil.NewTestStore(t)
	provider := mocks.NewMockProvider().WithResponse("Looks good to me.")
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})

	bb := NewBlackboard(p)
	tr := NewToneReviewer(store, provider, nil, nil)
	require.NoError(t, tr.Run(context.Background(), bb))

	assert.Equal(t, 75, bb.EmpathyMetrics.Score)
	assert.Equal(t, "Generally appropriate", bb.EmpathyMetrics.Tone)
	assert.Equal(t, []string{"Could not parse detailed assessment"}, bb.EmpathyMetrics.Suggestions)
}

func TestToneReviewer_ProviderError_ConservativeDefault(t *testing.T) {
	store := testutil.NewTestStore(t)
	provider := mocks.NewMockProvider().WithError(fmt.Errorf("connection reset"))
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})

	bb := NewBlackboard(p)
	tr := NewToneReviewer(store, provider, nil, nil)
	require.NoError(t, tr.Run(context.Background(), bb))

	assert.Equal(t, 70, bb.EmpathyMetrics.Score)
	assert.Equal(t, "neutral", bb.EmpathyMetrics.Tone)
	require.Len(t, bb.EmpathyMetrics.Suggestions, 1)
	assert.Contains(t, bb.EmpathyMetrics.Suggestions[0], "Review error:")

	// 评审失败也留痕：错误以 feedback 记录进思考轨迹
	thoughts, err := store.ThoughtsSince(context.Background(), p.ID, 0)
	require.NoError(t, err)
	var errorFeedback bool
	for _, th := range thoughts {
		if th.Type == protocol.ThoughtTypeFeedback && strings.Contains(th.Content, "Error during clinical review") {
			errorFeedback = true
		}
	}
	assert.True(t, errorFeedback, "provider failure must leave an error feedback thought")
}

func TestToneReviewer_ThoughtTrailLimitsSuggestionsToThree(t *testing.T) {
	store := testutil.NewTestStore(t)
	provider := mocks.NewMockProvider().WithResponse(
		`{"score": 82, "tone": "fine", "suggestions": ["a", "b", "c", "d", "e"]}`)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})

	bb := NewBlackboard(p)
	tr := NewToneReviewer(store, provider, nil, nil)
	require.NoError(t, tr.Run(context.Background(), bb))

	thoughts, err := store.ThoughtsSince(context.Background(), p.ID, 0)
	require.NoError(t, err)
	require.Len(t, thoughts, 3)
	assert.Equal(t, "Suggestions: a, b, c", thoughts[2].Content)
	// 黑板上保留完整列表，截断只发生在思考轨迹里
	assert.Len(t, bb.EmpathyMetrics.Suggestions, 5)
}
