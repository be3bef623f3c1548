package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/cerina/foundry/config"
	"github.com/cerina/foundry/protocol"
	"github.com/cerina/foundry/testutil"
	"github.com/cerina/foundry/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// ============================================================
// Test helpers
// ============================================================

func seedProtocol(t *testing.T, store *protocol.Store, mutate func(p *protocol.Protocol)) *protocol.Protocol {
	t.Helper()
	p := &protocol.Protocol{
		Title:        "Sleep hygiene protocol",
		Intent:       "Help patients with insomnia build a sleep routine",
		ProtocolType: "sleep_hygiene",
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, store.Create(context.Background(), p))
	return p
}

// markVisited 记录一次 Agent 访问。访问计数只数 type=thought 的记录。
func markVisited(t *testing.T, store *protocol.Store, protocolID, role string, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		require.NoError(t, store.AppendThought(context.Background(), &protocol.AgentThought{
			ProtocolID: protocolID,
			AgentRole:  role,
			AgentName:  role,
			Content:    fmt.Sprintf("visit %d", i+1),
			Type:       protocol.ThoughtTypeThought,
		}))
	}
}

func newTestRouter(store *protocol.Store) *Router {
	return NewRouter(store, nil, config.DefaultWorkflowConfig(), nil)
}

// ============================================================
// Deterministic decision table
// ============================================================

func TestRouter_EmptyDraft_RoutesToDrafter(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := seedProtocol(t, store, nil)
	r := newTestRouter(store)

	bb := NewBlackboard(p)
	decision, err := r.Route(context.Background(), bb)
	require.NoError(t, err)
	assert.Equal(t, DecisionDrafter, decision)
	assert.Equal(t, protocol.StatusDrafting, bb.Status)
}

func TestRouter_WhitespaceDraft_CountsAsEmpty(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "   \n\t  "
	})
	r := newTestRouter(store)

	decision, err := r.Route(context.Background(), NewBlackboard(p))
	require.NoError(t, err)
	assert.Equal(t, DecisionDrafter, decision)
}

func TestRouter_RevisionRequest_IsConsumedOnce(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})
	r := newTestRouter(store)

	bb := NewBlackboard(p)
	bb.NeedsRevision = true
	bb.AddReason("Safety score below threshold")

	decision, err := r.Route(context.Background(), bb)
	require.NoError(t, err)
	assert.Equal(t, DecisionDrafter, decision)
	assert.False(t, bb.NeedsRevision, "revision trigger must be one-shot")
}

func TestRouter_DraftWithoutReviews_RoutesToSafetyFirst(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})
	r := newTestRouter(store)

	decision, err := r.Route(context.Background(), NewBlackboard(p))
	require.NoError(t, err)
	assert.Equal(t, DecisionSafetyReviewer, decision)
}

func TestRouter_SafetyDone_RoutesToToneUnconditionally(t *testing.T) {
	// 安全分再低，语气评审也不被跳过。修订在两项评审都完成后统一定夺。
	store := testutil.NewTestStore(t)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
		p.SafetyScore = protocol.SafetyScore{Score: 20, Flags: []string{"Self-harm Risk"}, Notes: "bad"}
	})
	markVisited(t, store, p.ID, protocol.RoleSafetyReviewer, 1)
	r := newTestRouter(store)

	decision, err := r.Route(context.Background(), NewBlackboard(p))
	require.NoError(t, err)
	assert.Equal(t, DecisionToneReviewer, decision)
}

func TestRouter_ToneVisitedButMetricsUnset_RoutesToToneAgain(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
		p.SafetyScore = protocol.SafetyScore{Score: 90}
	})
	markVisited(t, store, p.ID, protocol.RoleSafetyReviewer, 1)
	markVisited(t, store, p.ID, protocol.RoleToneReviewer, 1)
	r := newTestRouter(store)

	decision, err := r.Route(context.Background(), NewBlackboard(p))
	require.NoError(t, err)
	assert.Equal(t, DecisionToneReviewer, decision)
}

func TestRouter_PostReviewDisposition(t *testing.T) {
	tests := []struct {
		name       string
		safety     int
		empathy    int
		want       Decision
		wantReason string
	}{
		{name: "safety below threshold", safety: 79, empathy: 95, want: DecisionDrafter, wantReason: "Safety score below threshold"},
		{name: "empathy below threshold", safety: 92, empathy: 69, want: DecisionDrafter, wantReason: "Empathy score below threshold"},
		{name: "safety checked before empathy", safety: 40, empathy: 40, want: DecisionDrafter, wantReason: "Safety score below threshold"},
		{name: "both at threshold pass", safety: 80, empathy: 70, want: DecisionFinish},
		{name: "both comfortably pass", safety: 95, empathy: 90, want: DecisionFinish},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewTestStore(t)
			p := seedProtocol(t, store, func(p *protocol.Protocol) {
				p.CurrentDraft = "Step 1: breathe."
				p.Status = protocol.StatusReviewing
				p.SafetyScore = protocol.SafetyScore{Score: tt.safety}
				p.EmpathyMetrics = protocol.EmpathyMetrics{Score: tt.empathy, Tone: "warm"}
			})
			markVisited(t, store, p.ID, protocol.RoleSafetyReviewer, 1)
			markVisited(t, store, p.ID, protocol.RoleToneReviewer, 1)
			r := newTestRouter(store)

			bb := NewBlackboard(p)
			decision, err := r.Route(context.Background(), bb)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision)

			if tt.want == DecisionDrafter {
				assert.True(t, bb.NeedsRevision)
				assert.Contains(t, bb.RevisionReasons, tt.wantReason)
			} else {
				got, err := store.Get(context.Background(), p.ID)
				require.NoError(t, err)
				assert.Equal(t, protocol.StatusAwaitingApproval, got.Status)
			}
		})
	}
}

func TestRouter_RevisionReasons_Deduplicated(t *testing.T) {
	bb := &Blackboard{}
	bb.AddReason("Safety score below threshold")
	bb.AddReason("Safety score below threshold")
	bb.AddReason("Empathy score below threshold")
	assert.Len(t, bb.RevisionReasons, 2)
}

func TestRouter_IterationCeiling_ForcesFinish(t *testing.T) {
	// 熔断器与分数无关：评审从未运行也要触发。
	store := testutil.NewTestStore(t)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
		p.IterationCount = config.DefaultWorkflowConfig().MaxIterations
	})
	r := newTestRouter(store)

	bb := NewBlackboard(p)
	decision, err := r.Route(context.Background(), bb)
	require.NoError(t, err)
	assert.Equal(t, DecisionFinish, decision)

	got, err := store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAwaitingApproval, got.Status)
}

func TestRouter_TerminalStatuses_NeverRunAgents(t *testing.T) {
	for _, status := range []protocol.Status{protocol.StatusRejected, protocol.StatusApproved, protocol.StatusAwaitingApproval} {
		t.Run(string(status), func(t *testing.T) {
			store := testutil.NewTestStore(t)
			p := seedProtocol(t, store, func(p *protocol.Protocol) {
				p.CurrentDraft = "Step 1: breathe."
				p.Status = status
			})
			r := newTestRouter(store)

			decision, err := r.Route(context.Background(), NewBlackboard(p))
			require.NoError(t, err)
			assert.Equal(t, DecisionFinish, decision)

			// rejected/approved 不能被路由器覆写回 awaiting_approval
			got, err := store.Get(context.Background(), p.ID)
			require.NoError(t, err)
			assert.Equal(t, status, got.Status)
		})
	}
}

func TestRouter_VisitCeiling_OverridesReviewerDispatch(t *testing.T) {
	store := testutil.NewTestStore(t)
	cfg := config.DefaultWorkflowConfig()
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})
	// 访问已达上限但分数始终未写入（评审反复失败的病态场景）
	markVisited(t, store, p.ID, protocol.RoleSafetyReviewer, cfg.MaxAgentVisits)
	r := newTestRouter(store)

	bb := NewBlackboard(p)
	decision, err := r.Route(context.Background(), bb)
	require.NoError(t, err)
	assert.Equal(t, DecisionFinish, decision)

	got, err := store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAwaitingApproval, got.Status)
}

func TestRouter_AppendsExactlyOneSupervisorThought(t *testing.T) {
	store := testutil.NewTestStore(t)
	p := seedProtocol(t, store, nil)
	r := newTestRouter(store)

	_, err := r.Route(context.Background(), NewBlackboard(p))
	require.NoError(t, err)

	thoughts, err := store.ThoughtsSince(context.Background(), p.ID, 0)
	require.NoError(t, err)

	supervisor := 0
	for _, th := range thoughts {
		if th.AgentRole == protocol.RoleSupervisor {
			supervisor++
			assert.Equal(t, protocol.ThoughtTypeThought, th.Type)
		}
	}
	assert.Equal(t, 1, supervisor)
}

func TestRouter_VisitLookupFailure_PropagatesAndKeepsStatus(t *testing.T) {
	// 评审进度读不出来时必须上抛错误，状态停在最后一次成功提交的值，
	// 绝不降级成一次 awaiting_approval 迁移。
	store := testutil.NewTestStore(t)
	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})
	r := newTestRouter(store)

	require.NoError(t, store.DB().Exec("DROP TABLE agent_thoughts").Error)

	decision, err := r.Route(context.Background(), NewBlackboard(p))
	require.Error(t, err)
	assert.Equal(t, DecisionUnknown, decision)

	got, err := store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReviewing, got.Status)
}

// ============================================================
// Advisory routing
// ============================================================

func TestRouter_Advisory_GarbageFallsBackToDeterministic(t *testing.T) {
	store := testutil.NewTestStore(t)
	cfg := config.DefaultWorkflowConfig()
	cfg.AdvisoryRouting = true
	advisor := mocks.NewMockProvider().WithResponse("I think you should probably ask a human???")

	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
		p.SafetyScore = protocol.SafetyScore{Score: 60}
		p.EmpathyMetrics = protocol.EmpathyMetrics{Score: 90, Tone: "warm"}
	})
	markVisited(t, store, p.ID, protocol.RoleSafetyReviewer, 1)
	markVisited(t, store, p.ID, protocol.RoleToneReviewer, 1)
	r := NewRouter(store, advisor, cfg, nil)

	decision, err := r.Route(context.Background(), NewBlackboard(p))
	require.NoError(t, err)
	assert.Equal(t, DecisionDrafter, decision)
	assert.Equal(t, 1, advisor.CallCount())
}

func TestRouter_Advisory_ErrorFallsBackSilently(t *testing.T) {
	store := testutil.NewTestStore(t)
	cfg := config.DefaultWorkflowConfig()
	cfg.AdvisoryRouting = true
	advisor := mocks.NewMockProvider().WithError(fmt.Errorf("boom"))

	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
		p.SafetyScore = protocol.SafetyScore{Score: 95}
		p.EmpathyMetrics = protocol.EmpathyMetrics{Score: 95, Tone: "warm"}
	})
	markVisited(t, store, p.ID, protocol.RoleSafetyReviewer, 1)
	markVisited(t, store, p.ID, protocol.RoleToneReviewer, 1)
	r := NewRouter(store, advisor, cfg, nil)

	decision, err := r.Route(context.Background(), NewBlackboard(p))
	require.NoError(t, err)
	assert.Equal(t, DecisionFinish, decision)
}

func TestRouter_Advisory_NotConsultedBeforeReviewsComplete(t *testing.T) {
	store := testutil.NewTestStore(t)
	cfg := config.DefaultWorkflowConfig()
	cfg.AdvisoryRouting = true
	advisor := mocks.NewMockProvider().WithResponse("finish")

	p := seedProtocol(t, store, func(p *protocol.Protocol) {
		p.CurrentDraft = "Step 1: breathe."
		p.Status = protocol.StatusReviewing
	})
	r := NewRouter(store, advisor, cfg, nil)

	decision, err := r.Route(context.Background(), NewBlackboard(p))
	require.NoError(t, err)
	assert.Equal(t, DecisionSafetyReviewer, decision)
	assert.Zero(t, advisor.CallCount(), "advisor must not bypass mandatory sequencing")
}

// ============================================================
// Decision parsing
// ============================================================

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want Decision
		ok   bool
	}{
		{"drafter", DecisionDrafter, true},
		{"  SAFETY_REVIEWER \n", DecisionSafetyReviewer, true},
		{"safety", DecisionSafetyReviewer, true},
		{"tone", DecisionToneReviewer, true},
		{"finish", DecisionFinish, true},
		{"halt", DecisionHalt, true},
		{"ship it", DecisionUnknown, false},
		{"", DecisionUnknown, false},
	}
	for _, tt := range tests {
		got, ok := ParseDecision(tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
	}
}

// ============================================================
// Property: the decision table is total and safe
// ============================================================

func TestRouter_PropertyDecisionAlwaysValid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := testutil.NewTestStore(t)
		cfg := config.DefaultWorkflowConfig()

		hasDraft := rapid.Bool().Draw(rt, "hasDraft")
		iteration := rapid.IntRange(0, cfg.MaxIterations+2).Draw(rt, "iteration")
		safetyVisits := rapid.IntRange(0, cfg.MaxAgentVisits+1).Draw(rt, "safetyVisits")
		toneVisits := rapid.IntRange(0, cfg.MaxAgentVisits+1).Draw(rt, "toneVisits")
		safetyScore := rapid.IntRange(0, 100).Draw(rt, "safetyScore")
		empathyScore := rapid.IntRange(0, 100).Draw(rt, "empathyScore")

		p := seedProtocol(t, store, func(p *protocol.Protocol) {
			if hasDraft {
				p.CurrentDraft = "Step 1: breathe."
				p.Status = protocol.StatusReviewing
			}
			p.IterationCount = iteration
			if safetyVisits > 0 {
				p.SafetyScore = protocol.SafetyScore{Score: safetyScore}
			}
			if toneVisits > 0 {
				p.EmpathyMetrics = protocol.EmpathyMetrics{Score: empathyScore, Tone: "warm"}
			}
		})
		markVisited(t, store, p.ID, protocol.RoleSafetyReviewer, safetyVisits)
		markVisited(t, store, p.ID, protocol.RoleToneReviewer, toneVisits)
		r := newTestRouter(store)

		decision, err := r.Route(context.Background(), NewBlackboard(p))
		if err != nil {
			rt.Fatalf("route: %v", err)
		}

		switch decision {
		case DecisionDrafter, DecisionSafetyReviewer, DecisionToneReviewer, DecisionFinish:
		default:
			rt.Fatalf("invalid decision %v", decision)
		}

		// 评审顺序不变量：safety 未访问时绝不派发 tone
		if decision == DecisionToneReviewer && safetyVisits == 0 {
			rt.Fatalf("tone dispatched before safety")
		}
		// 访问上限不变量
		if decision == DecisionSafetyReviewer && safetyVisits >= cfg.MaxAgentVisits {
			rt.Fatalf("safety dispatched beyond visit ceiling")
		}
		if decision == DecisionToneReviewer && toneVisits >= cfg.MaxAgentVisits {
			rt.Fatalf("tone dispatched beyond visit ceiling")
		}
	})
}
