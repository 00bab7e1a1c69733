// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 execflow 命令行程序入口。

# 概述

cmd/execflow 是执行发布引擎的可执行入口，提供发布请求执行、
执行记录查询、数据库迁移和版本查询等子命令。程序支持 YAML 配置文件
与 EXECFLOW_ 前缀环境变量加载、结构化日志（zap）、Prometheus 指标
以及 OpenTelemetry 追踪。

# 子命令

  - publish：读取 YAML/JSON 发布请求，执行 register / succeeded /
    cached / failed / internal 之一，并以 JSON 输出结果。请求中的
    上下文按 (type, name) 幂等注册，产物可以只给出类型名。
  - show：以 JSON 输出一条执行及其事件与关联上下文。
  - migrate：基于 internal/migration 的 Schema 迁移。
  - version：输出构建注入的 Version、BuildTime、GitCommit。

# 发布请求示例

	operation: succeeded
	execution_id: 42
	contexts:
	  - {type: pipeline_run, name: run-20240101}
	outputs:
	  model:
	    - {type: Model, uri: /pipeline/Trainer/model/42}
	executor_output:
	  output_artifacts:
	    model:
	      artifacts:
	        - {type: Model, uri: gs://bucket/model/42}
*/
package main
