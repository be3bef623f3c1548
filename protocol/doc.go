// Copyright (c) Foundry Authors.
// Licensed under the MIT License.

/*
Package protocol 定义临床方案（Protocol）聚合根及其持久化存储。

# 概述

Protocol 是唯一的共享可变资源：工作流的每个 Agent 步骤都写它，
流式端点并发读它。所有跨进程协调都通过"在每次路由决策前重读最新行"
完成，而不是进程内锁。

# 核心类型

  - Protocol        — 聚合根：草稿、状态、迭代计数、评审分数
  - ProtocolVersion — 只增不改的版本快照（每次起草成功一条）
  - AgentThought    — 只增不改的思考/动作/反馈记录；访问计数的唯一依据
  - Store           — 基于 *gorm.DB 的 unit-of-work

# 不变量

  - ProtocolVersion.Version 每个 protocol 内严格递增，等于创建时的 iteration_count
  - 每次 Agent 访问至少写入一条 type=thought 的 AgentThought（访问计数依赖它）
  - Status 只能前进（drafting → reviewing → awaiting_approval → approved），
    唯一的例外是人工 reject
*/
package protocol
