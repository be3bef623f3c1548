// Copyright (c) Foundry Authors.
// Licensed under the MIT License.

/*
Package main 提供 Foundry 服务端程序入口。

# 概述

cmd/foundry 是临床协议起草服务的可执行入口，提供 HTTP API、
WebSocket 进度流、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）和 Prometheus 指标采集。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware       — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、CORS、RateLimiter（基于 IP）、APIKeyAuth（X-API-Key）
  - 启动恢复：ResumeInterrupted 重新拉起被进程重启打断的工作流
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 停止工作流 → 关闭 Metrics
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
