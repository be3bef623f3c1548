// Copyright (c) Foundry Authors.
// Licensed under the MIT License.

/*
Package workflow implements the supervisor-routed multi-agent loop that
drafts and refines a clinical protocol until it meets quality thresholds
or exhausts its budgets, then pauses for human approval.

# Control flow

The Driver repeatedly invokes [Router → chosen agent → Router → …] until
the Router emits a terminal decision. The loop is linear and
single-threaded per protocol; many protocols run concurrently, each on
its own goroutine with its own database session.

	drafter ──▶ supervisor ──▶ safety_reviewer ──▶ supervisor ──▶ tone_reviewer ──▶ supervisor ──▶ finish

# 核心类型

  - Blackboard — 单次执行的内存工作状态，每次路由前从存储重新同步
  - Decision   — 路由决策枚举（drafter/safety/tone/finalize/halt/finish）
  - Router     — 确定性决策表 + 可选的 LLM 咨询（确定性规则始终有最终权威）
  - Drafter / SafetyReviewer / ToneReviewer — Agent 实现
  - Driver     — 外层循环、后台执行槽位、崩溃恢复与人工审批入口

# Termination

Three independent guards make the loop finite: the iteration hard
ceiling, per-reviewer visit ceilings (counted from persisted thought
records, never time windows), and the fallback rule that maps any
uncovered state to a safe terminal decision.
*/
package workflow
