// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metadata 定义执行元数据存储的领域模型：Execution、Context、Artifact、
Event 及其状态枚举。

# 概述

一次 Execution 表示流水线中一个工作单元的调用记录，生命周期为
NEW → RUNNING → {COMPLETE, CACHED, FAILED}。Execution 通过 Event
（INPUT / OUTPUT / INTERNAL_OUTPUT）与 Artifact 相连，通过关联
（association）挂到 Context 上；输入 Artifact 也通过归属（attribution）
挂到同一批 Context 上。

# 核心类型

  - Execution / ExecutionType：执行记录与其类型 Schema
  - Artifact / ArtifactType：带类型、可寻址的数据产物
  - Context：对执行与产物进行分组的实体（如一次流水线运行）
  - Event：执行与产物之间不可变的带类型链接，携带 (key, index) 路径
  - Value：带类型的属性值（int / double / string）
  - ArtifactMap：输出通道名 → 有序 Artifact 列表
  - ExecutorOutput：执行器回报的权威输出描述

本包只描述内存中的数据形态，不做任何持久化；持久化见 persistence 包。
*/
package metadata
