// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持脚本化响应队列、按提示词匹配与错误注入场景。
package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/cerina/foundry/llm"
)

// --- MockProvider 结构 ---

// MockProvider 是 llm.Provider 的模拟实现。
// 响应的选择顺序：脚本队列 → 提示词规则 → 默认响应。
type MockProvider struct {
	mu sync.Mutex

	name string

	// 脚本队列：按顺序弹出，队列耗尽后落回规则/默认
	script []step

	// 提示词规则：子串匹配，先注册先匹配
	rules []rule

	// 默认响应
	defaultText string
	defaultErr  error

	// 调用记录
	prompts []string
}

type step struct {
	text string
	err  error
}

type rule struct {
	substr string
	text   string
	err    error
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider。
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:        "mock",
		defaultText: "ok",
	}
}

// WithName 设置提供商名称。
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse 设置默认响应文本。
func (m *MockProvider) WithResponse(text string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultText = text
	return m
}

// WithError 设置默认错误。
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultErr = err
	return m
}

// Enqueue 向脚本队列追加一条成功响应。
func (m *MockProvider) Enqueue(text string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, step{text: text})
	return m
}

// EnqueueError 向脚本队列追加一条失败响应。
func (m *MockProvider) EnqueueError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, step{err: err})
	return m
}

// RespondWhen 注册提示词规则：prompt 含 substr 时返回 text。
func (m *MockProvider) RespondWhen(substr, text string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule{substr: substr, text: text})
	return m
}

// FailWhen 注册提示词规则：prompt 含 substr 时返回 err。
func (m *MockProvider) FailWhen(substr string, err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule{substr: substr, err: err})
	return m
}

// --- llm.Provider 实现 ---

var _ llm.Provider = (*MockProvider)(nil)

// Complete 按脚本队列、提示词规则、默认响应的顺序返回。
func (m *MockProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)

	if len(m.script) > 0 {
		s := m.script[0]
		m.script = m.script[1:]
		return s.text, s.err
	}

	for _, r := range m.rules {
		if strings.Contains(prompt, r.substr) {
			return r.text, r.err
		}
	}

	return m.defaultText, m.defaultErr
}

// Name 返回提供商名称。
func (m *MockProvider) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// --- 调用记录 ---

// CallCount 返回 Complete 被调用的次数。
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// Prompts 返回收到的全部提示词副本。
func (m *MockProvider) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// LastPrompt 返回最近一次提示词，未调用过时返回空串。
func (m *MockProvider) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

// Reset 清空脚本、规则与调用记录。
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = nil
	m.rules = nil
	m.prompts = nil
	m.defaultText = "ok"
	m.defaultErr = nil
}
