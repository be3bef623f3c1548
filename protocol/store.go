package protocol

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound 协议不存在。
var ErrNotFound = errors.New("protocol not found")

// Store 包装 *gorm.DB，提供工作流需要的 unit-of-work 操作。
// 每次有意义的写入都立即提交（gorm 默认每个操作一个事务），
// 保证并发读者看到单调前进的状态。
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore 创建协议存储。
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "protocol_store")),
	}
}

// DB 返回底层 gorm 实例（供迁移和健康检查使用）。
func (s *Store) DB() *gorm.DB { return s.db }

// Create 插入新协议。
func (s *Store) Create(ctx context.Context, p *Protocol) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create protocol: %w", err)
	}
	return nil
}

// Get 按 id 读取最新的协议行。存储是唯一事实来源：
// 路由决策前必须用它刷新 Blackboard。
func (s *Store) Get(ctx context.Context, id string) (*Protocol, error) {
	var p Protocol
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get protocol %s: %w", id, err)
	}
	return &p, nil
}

// List 返回全部协议，按创建时间倒序。
func (s *Store) List(ctx context.Context) ([]Protocol, error) {
	var out []Protocol
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	return out, nil
}

// ListInProgress 返回所有 status ∈ {drafting, reviewing} 的协议。
// 进程重启后由 Driver 对它们逐一恢复。
func (s *Store) ListInProgress(ctx context.Context) ([]Protocol, error) {
	var out []Protocol
	err := s.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusDrafting, StatusReviewing}).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list in-progress protocols: %w", err)
	}
	return out, nil
}

// Save 全量保存协议行。
func (s *Store) Save(ctx context.Context, p *Protocol) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("save protocol %s: %w", p.ID, err)
	}
	return nil
}

// UpdateStatus 仅当状态变化时更新，并立即提交。
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	res := s.db.WithContext(ctx).Model(&Protocol{}).
		Where("id = ? AND status <> ?", id, status).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update status of %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("protocol status updated",
			zap.String("protocol_id", id),
			zap.String("status", string(status)),
		)
	}
	return nil
}

// AppendThought 追加一条 AgentThought 并立即提交。
// 每次 Agent 访问的第一条必须是 type=thought（访问计数依赖它）。
func (s *Store) AppendThought(ctx context.Context, t *AgentThought) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("append thought for %s: %w", t.ProtocolID, err)
	}
	return nil
}

// AppendVersion 追加一条版本快照。版本号由调用方给定，
// 必须等于写入时的 iteration_count。
func (s *Store) AppendVersion(ctx context.Context, v *ProtocolVersion) error {
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("append version %d for %s: %w", v.Version, v.ProtocolID, err)
	}
	return nil
}

// VisitCount 返回某个角色访问该协议的次数。
// 只数 type=thought 的记录：每次访问以一条 thought 开始。
// 按时间窗聚类计数被明确否决 —— 模型调用一慢就会数错。
func (s *Store) VisitCount(ctx context.Context, protocolID, agentRole string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&AgentThought{}).
		Where("protocol_id = ? AND agent_role = ? AND type = ?", protocolID, agentRole, ThoughtTypeThought).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count visits of %s for %s: %w", agentRole, protocolID, err)
	}
	return int(count), nil
}

// HasVisited 返回某个角色是否访问过该协议。
func (s *Store) HasVisited(ctx context.Context, protocolID, agentRole string) (bool, error) {
	n, err := s.VisitCount(ctx, protocolID, agentRole)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ThoughtsSince 返回 id 大于 cursor 的全部思考记录，按 id 升序。
// cursor=0 表示从头读。流式端点靠它做断点续传。
func (s *Store) ThoughtsSince(ctx context.Context, protocolID string, cursor int64) ([]AgentThought, error) {
	var out []AgentThought
	err := s.db.WithContext(ctx).
		Where("protocol_id = ? AND id > ?", protocolID, cursor).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list thoughts of %s since %d: %w", protocolID, cursor, err)
	}
	return out, nil
}

// Versions 返回协议的全部版本快照，按版本号升序。
func (s *Store) Versions(ctx context.Context, protocolID string) ([]ProtocolVersion, error) {
	var out []ProtocolVersion
	err := s.db.WithContext(ctx).
		Where("protocol_id = ?", protocolID).
		Order("version ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", protocolID, err)
	}
	return out, nil
}

// VersionCountByAuthor 返回指定作者的版本数。
// iteration_count 必须等于 author=drafter 的版本数（测试依赖该不变量）。
func (s *Store) VersionCountByAuthor(ctx context.Context, protocolID, author string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ProtocolVersion{}).
		Where("protocol_id = ? AND author = ?", protocolID, author).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count versions of %s: %w", protocolID, err)
	}
	return int(count), nil
}
