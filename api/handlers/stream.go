package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cerina/foundry/config"
	"github.com/cerina/foundry/protocol"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 进度流处理器
// =============================================================================

// StreamHandler 通过 WebSocket 推送工作流进度。
// 数据源是 AgentThought 表的自增主键游标：轮询增量行推给客户端，
// 断线重连不丢事件（客户端带上次游标用 thoughts 端点补齐即可）。
type StreamHandler struct {
	store  *protocol.Store
	cfg    config.WorkflowConfig
	logger *zap.Logger
}

// NewStreamHandler 创建进度流处理器
func NewStreamHandler(store *protocol.Store, cfg config.WorkflowConfig, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "stream_handler")),
	}
}

// StreamEvent 推送给客户端的事件
type StreamEvent struct {
	Type      string                 `json:"type"` // snapshot / thought / status / complete
	Protocol  *protocol.Protocol     `json:"protocol,omitempty"`
	Thought   *protocol.AgentThought `json:"thought,omitempty"`
	Status    protocol.Status        `json:"status,omitempty"`
	Cursor    int64                  `json:"cursor,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// HandleStream GET /api/v1/protocols/{id}/stream
// 连接生命周期：快照 → 增量 thought 事件 → 状态变化事件 → 终态后 complete 并关闭。
// 整条流有硬超时，挂死的客户端不会占住轮询循环。
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.StreamTimeout)
	defer cancel()

	logger := h.logger.With(zap.String("protocol_id", id))
	logger.Info("stream opened", zap.String("status", string(p.Status)))

	if err := h.send(ctx, conn, StreamEvent{Type: "snapshot", Protocol: p}); err != nil {
		return
	}

	var cursor int64
	lastStatus := p.Status
	ticker := time.NewTicker(h.cfg.StreamPollInterval)
	defer ticker.Stop()

	for {
		thoughts, err := h.store.ThoughtsSince(ctx, id, cursor)
		if err != nil {
			logger.Error("stream poll failed", zap.Error(err))
			conn.Close(websocket.StatusInternalError, "poll failed")
			return
		}
		for i := range thoughts {
			th := thoughts[i]
			cursor = th.ID
			if err := h.send(ctx, conn, StreamEvent{Type: "thought", Thought: &th, Cursor: cursor}); err != nil {
				return
			}
		}

		current, err := h.store.Get(ctx, id)
		if err != nil {
			logger.Error("stream status check failed", zap.Error(err))
			conn.Close(websocket.StatusInternalError, "status check failed")
			return
		}
		if current.Status != lastStatus {
			lastStatus = current.Status
			if err := h.send(ctx, conn, StreamEvent{Type: "status", Status: current.Status}); err != nil {
				return
			}
		}

		// 终态且增量已排空：发 complete 后正常关闭
		if current.Status.Terminal() {
			remaining, err := h.store.ThoughtsSince(ctx, id, cursor)
			if err == nil && len(remaining) == 0 {
				_ = h.send(ctx, conn, StreamEvent{Type: "complete", Status: current.Status, Cursor: cursor})
				conn.Close(websocket.StatusNormalClosure, "workflow finished")
				logger.Info("stream completed", zap.String("status", string(current.Status)))
				return
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("stream timed out or client left")
			conn.Close(websocket.StatusGoingAway, "stream timeout")
			return
		case <-ticker.C:
		}
	}
}

// send 序列化并写一个事件。WebSocket 不支持并发写，但本处理器
// 单 goroutine 写，无需加锁。
func (h *StreamHandler) send(ctx context.Context, conn *websocket.Conn, ev StreamEvent) error {
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("stream write failed", zap.Error(err))
		return err
	}
	return nil
}
