// Copyright (c) Foundry Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 Foundry 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 数据库辅助: OpenTestDB / NewTestStore，内存 SQLite 加完整迁移
  - 异步断言: AssertEventuallyTrue，超时轮询等待条件满足

# 子包

  - testutil/mocks: Mock 实现，包括 MockProvider（LLM Provider），
    支持 Builder 模式、脚本化响应与错误注入

# 使用示例

	ctx := testutil.TestContext(t)
	store := testutil.NewTestStore(t)
	provider := mocks.NewMockProvider().WithResponse(`{"score": 92}`)
*/
package testutil
