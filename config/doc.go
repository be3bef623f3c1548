// Copyright (c) Foundry Authors.
// Licensed under the MIT License.

/*
Package config 提供 Foundry 的配置加载与校验能力。

配置来源按优先级从低到高依次为：内置默认值、YAML 配置文件、
FOUNDRY_ 前缀的环境变量。配置文件缺失时静默回退到默认值，
便于零配置启动开发实例。

# 核心类型

  - Config — 顶层配置（Server/Database/LLM/Workflow/Log 五段）
  - Loader — 链式构建的加载器，支持自定义路径与附加校验器

Validate 在进程启动时一次性聚合所有配置错误，运行期间配置不可变。
*/
package config
