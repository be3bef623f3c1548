package protocol

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status 协议生命周期状态。只能前进，人工 reject 是唯一例外。
type Status string

const (
	StatusDrafting         Status = "drafting"
	StatusReviewing        Status = "reviewing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
)

// Terminal 返回状态对轮询方是否为终态。
// awaiting_approval 对自动循环是终态（需要人工动作才能继续）。
func (s Status) Terminal() bool {
	switch s {
	case StatusAwaitingApproval, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// InProgress 返回工作流是否仍在自动执行中。
func (s Status) InProgress() bool {
	return s == StatusDrafting || s == StatusReviewing
}

// Agent 角色标识。访问计数与 AgentThought.AgentRole 按此匹配。
const (
	RoleSupervisor     = "supervisor"
	RoleDrafter        = "drafter"
	RoleSafetyReviewer = "safety_reviewer"
	RoleToneReviewer   = "tone_reviewer"
	RoleSystem         = "system"
)

// ThoughtType AgentThought 的类型。
// 每次 Agent 访问以一条 thought 开始 —— 访问计数只数 thought。
const (
	ThoughtTypeThought  = "thought"
	ThoughtTypeAction   = "action"
	ThoughtTypeFeedback = "feedback"
)

// SafetyScore 安全评审结果，整体序列化为 JSON 列。
// 只由 Safety Reviewer 写入。
type SafetyScore struct {
	Score int      `json:"score"`
	Flags []string `json:"flags"`
	Notes string   `json:"notes"`
}

// Value implements driver.Valuer.
func (s SafetyScore) Value() (driver.Value, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *SafetyScore) Scan(value any) error {
	return scanJSON(value, s)
}

// Set 返回分数是否已被评审写入（0 是"未评审"哨兵值）。
func (s SafetyScore) Set() bool { return s.Score > 0 }

// EmpathyMetrics 语气/共情评审结果，整体序列化为 JSON 列。
// 只由 Tone Reviewer 写入。
type EmpathyMetrics struct {
	Score       int      `json:"score"`
	Tone        string   `json:"tone"`
	Suggestions []string `json:"suggestions"`
}

// Value implements driver.Valuer.
func (m EmpathyMetrics) Value() (driver.Value, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *EmpathyMetrics) Scan(value any) error {
	return scanJSON(value, m)
}

// Set 返回分数是否已被评审写入。
func (m EmpathyMetrics) Set() bool { return m.Score > 0 }

func scanJSON(value any, out any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, out)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), out)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Protocol 临床方案聚合根。
// current_draft 每次起草整体替换；iteration_count 只增；status 只前进。
type Protocol struct {
	ID           string `gorm:"primaryKey;size:36" json:"id"`
	Title        string `gorm:"size:200;not null" json:"title"`
	Intent       string `gorm:"type:text;not null" json:"intent"`
	ProtocolType string `gorm:"size:100;not null" json:"protocol_type"`

	CurrentDraft   string `gorm:"type:text;not null;default:''" json:"current_draft"`
	Status         Status `gorm:"size:32;not null;default:'drafting';index" json:"status"`
	IterationCount int    `gorm:"not null;default:0" json:"iteration_count"`

	SafetyScore    SafetyScore    `gorm:"type:text" json:"safety_score"`
	EmpathyMetrics EmpathyMetrics `gorm:"type:text" json:"empathy_metrics"`

	// ThreadID 绑定一次工作流执行上下文，用于断线恢复
	ThreadID string `gorm:"size:64;index" json:"thread_id"`

	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	ApprovedBy     string     `gorm:"size:64" json:"approved_by,omitempty"`
	RejectedReason string     `gorm:"type:text" json:"rejected_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Versions []ProtocolVersion `gorm:"foreignKey:ProtocolID;constraint:OnDelete:CASCADE" json:"versions,omitempty"`
	Thoughts []AgentThought    `gorm:"foreignKey:ProtocolID;constraint:OnDelete:CASCADE" json:"thoughts,omitempty"`
}

// BeforeCreate 填充 UUID 主键与 thread_id。
func (p *Protocol) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ThreadID == "" {
		p.ThreadID = p.ID
	}
	return nil
}

// ProtocolVersion 只增不改的草稿快照。
// Version 等于创建时的 iteration_count，每个 protocol 内严格递增。
type ProtocolVersion struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	ProtocolID string    `gorm:"size:36;not null;index:idx_version_protocol" json:"protocol_id"`
	Version    int       `gorm:"not null" json:"version"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Author     string    `gorm:"size:32;not null" json:"author"` // drafter 或 system
	Timestamp  time.Time `gorm:"not null" json:"timestamp"`
}

// BeforeCreate 填充 UUID 主键和时间戳。
func (v *ProtocolVersion) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	return nil
}

// AgentThought 只增不改的审计/遥测记录，同时是流式端点的数据源。
// "Agent X 访问过几次"只能通过数每个角色的 thought 记录回答。
// 主键是自增整数：流式读取用它做断点续传游标（timestamp 精度不够，
// UUID 没有顺序语义）。
type AgentThought struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProtocolID string    `gorm:"size:36;not null;index:idx_thought_protocol" json:"protocol_id"`
	AgentRole  string    `gorm:"size:32;not null;index:idx_thought_role" json:"agent_role"`
	AgentName  string    `gorm:"size:64;not null" json:"agent_name"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Type       string    `gorm:"size:16;not null" json:"type"` // thought / action / feedback
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`
}

// BeforeCreate 填充时间戳。
func (t *AgentThought) BeforeCreate(tx *gorm.DB) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	return nil
}

// AutoMigrate 迁移全部协议相关表。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Protocol{}, &ProtocolVersion{}, &AgentThought{}); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}
