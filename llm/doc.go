// Copyright (c) Foundry Authors.
// Licensed under the MIT License.

/*
Package llm 提供统一的文本补全能力抽象。

# 概述

Foundry 的各个 Agent（起草、安全审查、语气审查、路由决策）只依赖
Provider 接口：Complete(ctx, prompt) -> text。具体的上游实现
（OpenAI 兼容 API）由 Client 提供，错误统一映射为带错误码的 *Error，
区分可重试的瞬时错误（限流、超时、5xx）与不可重试的配置错误
（密钥缺失、401）。

# 核心类型

  - Provider — 文本补全接口，Agent 的唯一模型依赖
  - Client   — OpenAI 兼容 Chat Completions 客户端
  - Error    — 统一错误结构，含错误码与可重试标记
  - ExtractJSONObject — 防御性解析模型返回的 JSON（markdown 围栏、截断）
*/
package llm
