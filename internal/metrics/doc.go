// Copyright (c) Foundry Authors.
// Licensed under the MIT License.

/*
Package metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、LLM、路由决策、工作流生命周期与数据库连接池。

Collector 使用 promauto 自动注册机制，指标按 namespace 隔离。
所有记录方法对 nil 接收者安全，测试与未接入监控的场景可以
直接传入 nil 而无需条件判断。
*/
package metrics
