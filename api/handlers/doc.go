// Copyright (c) Foundry Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 Foundry HTTP API 的请求处理器实现。

# 概述

handlers 包实现了协议起草服务所有 HTTP 端点的请求处理逻辑，
包括协议生命周期、人工裁决、进度流与健康检查，
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - ProtocolHandler  — 协议 CRUD、启动/恢复工作流、批准/否决/暂停、
    思考轨迹与版本历史查询
  - StreamHandler    — WebSocket 进度流，游标增量推送 AgentThought
  - HealthHandler    — 服务健康检查（/health, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code 与 message
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口

# 主要能力

  - 统一响应格式：WriteSuccess / WriteCreated / WriteErrorMessage / WriteJSON
  - 领域错误映射：WriteDomainError 把存储与工作流的哨兵错误转成 404/409
  - 请求验证：DecodeJSONBody（严格模式，拒绝未知字段）
  - WebSocket 进度流：快照 → 增量 thought → 状态变化 → complete，
    带硬超时，断线后客户端凭游标无损续读
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
