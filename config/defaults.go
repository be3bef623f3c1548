// =============================================================================
// 📦 Foundry 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Database: DefaultDatabaseConfig(),
		LLM:      DefaultLLMConfig(),
		Workflow: DefaultWorkflowConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // 流式端点需要长写窗口
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "foundry",
		Password:        "",
		Name:            "foundry.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "openai",
		BaseURL:     "https://api.openai.com",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   4096,
		Timeout:     60 * time.Second,
		MaxRetries:  3,
	}
}

// DefaultWorkflowConfig 返回默认工作流策略配置。
// 数值与原型阶段最终采用的一致：迭代上限 5、单评审上限 3、
// 安全阈值 80、共情阈值 70、连续起草失败 2 次放弃。
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxIterations:      5,
		MaxAgentVisits:     3,
		SafetyThreshold:    80,
		EmpathyThreshold:   70,
		DraftFailureLimit:  2,
		AdvisoryRouting:    false,
		StreamPollInterval: 2 * time.Second,
		StreamTimeout:      5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		EnableCaller: false,
	}
}
