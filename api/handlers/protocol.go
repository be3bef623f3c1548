package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cerina/foundry/protocol"
	"github.com/cerina/foundry/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// 📦 协议处理器
// =============================================================================

// ProtocolHandler 协议生命周期 REST 端点
type ProtocolHandler struct {
	store  *protocol.Store
	driver *workflow.Driver
	logger *zap.Logger
}

// NewProtocolHandler 创建协议处理器
func NewProtocolHandler(store *protocol.Store, driver *workflow.Driver, logger *zap.Logger) *ProtocolHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProtocolHandler{
		store:  store,
		driver: driver,
		logger: logger.With(zap.String("component", "protocol_handler")),
	}
}

// =============================================================================
// 🎯 请求/响应结构
// =============================================================================

// CreateProtocolRequest 创建协议请求
type CreateProtocolRequest struct {
	Title        string `json:"title,omitempty"`
	Intent       string `json:"intent"`
	ProtocolType string `json:"protocol_type"`
}

// ApproveRequest 批准请求
type ApproveRequest struct {
	ApprovedBy  string `json:"approved_by"`
	EditedDraft string `json:"edited_draft,omitempty"`
}

// RejectRequest 否决请求
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// =============================================================================
// 🚀 端点实现
// =============================================================================

// HandleCreate POST /api/v1/protocols
// 创建协议并立即启动后台工作流。
func (h *ProtocolHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", nil)
		return
	}

	var req CreateProtocolRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if strings.TrimSpace(req.Intent) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "intent is required", h.logger)
		return
	}
	if strings.TrimSpace(req.ProtocolType) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "protocol_type is required", h.logger)
		return
	}

	p := &protocol.Protocol{
		Title:        req.Title,
		Intent:       req.Intent,
		ProtocolType: req.ProtocolType,
		Status:       protocol.StatusDrafting,
	}
	if strings.TrimSpace(p.Title) == "" {
		p.Title = deriveTitle(req.ProtocolType)
	}

	if err := h.store.Create(r.Context(), p); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	if err := h.driver.Launch(r.Context(), p.ID); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	h.logger.Info("protocol created",
		zap.String("protocol_id", p.ID),
		zap.String("protocol_type", p.ProtocolType),
	)
	WriteCreated(w, p)
}

// HandleList GET /api/v1/protocols
func (h *ProtocolHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", nil)
		return
	}
	protocols, err := h.store.List(r.Context())
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, protocols)
}

// HandleGet GET /api/v1/protocols/{id}
func (h *ProtocolHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", nil)
		return
	}
	p, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, p)
}

// HandleApprove POST /api/v1/protocols/{id}/approve
func (h *ProtocolHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", nil)
		return
	}

	var req ApproveRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if strings.TrimSpace(req.ApprovedBy) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "approved_by is required", h.logger)
		return
	}

	p, err := h.driver.Approve(r.Context(), r.PathValue("id"), req.ApprovedBy, req.EditedDraft)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, p)
}

// HandleReject POST /api/v1/protocols/{id}/reject
func (h *ProtocolHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", nil)
		return
	}

	var req RejectRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}

	p, err := h.driver.Reject(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, p)
}

// HandleHalt POST /api/v1/protocols/{id}/halt
// 人工暂停：在途循环在下一个步骤边界收尾。
func (h *ProtocolHandler) HandleHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", nil)
		return
	}

	p, err := h.driver.Halt(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, p)
}

// HandleResume POST /api/v1/protocols/{id}/resume
// 对中断的进行中协议重新挂载执行循环。
func (h *ProtocolHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", nil)
		return
	}

	id := r.PathValue("id")
	if err := h.driver.Launch(r.Context(), id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"protocol_id": id, "resumed": true})
}

// HandleThoughts GET /api/v1/protocols/{id}/thoughts?after={cursor}
// 游标增量读取思考轨迹，游标是 AgentThought 的自增主键。
func (h *ProtocolHandler) HandleThoughts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", nil)
		return
	}

	id := r.PathValue("id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	var cursor int64
	if after := r.URL.Query().Get("after"); after != "" {
		v, err := strconv.ParseInt(after, 10, 64)
		if err != nil || v < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "after must be a non-negative integer", h.logger)
			return
		}
		cursor = v
	}

	thoughts, err := h.store.ThoughtsSince(r.Context(), id, cursor)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, thoughts)
}

// HandleVersions GET /api/v1/protocols/{id}/versions
func (h *ProtocolHandler) HandleVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", nil)
		return
	}

	id := r.PathValue("id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	versions, err := h.store.Versions(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, versions)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// deriveTitle 从 protocol_type 推导标题，如 social_anxiety → "Social Anxiety Protocol"。
func deriveTitle(protocolType string) string {
	words := strings.Fields(strings.ReplaceAll(strings.TrimSpace(protocolType), "_", " "))
	if len(words) == 0 {
		return "Untitled Protocol"
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ") + " Protocol"
}
