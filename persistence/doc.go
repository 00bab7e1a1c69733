// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供执行元数据的记录存储（Record Store）抽象及多后端实现。

# 概述

本包是执行发布引擎唯一的持久化边界：publish 包只通过 Store 接口
读取 Execution、写入执行状态与产物，并以一次原子操作建立 Event、
Context 关联与归属。通过统一的接口抽象与可插拔的后端实现，使上层
发布语义无需关心底层存储细节。

# 核心接口

  - Store: 记录存储接口，提供类型注册、Context 注册、按 ID 查询
    Execution / Artifact / Event / Context，以及原子的 PutExecution。
  - PutExecutionRequest: 一次原子写入的完整描述（执行、Context、
    输入/输出产物、输出事件类型、乐观并发期望状态）。

# 约束

  - 已存在产物的 TypeID 不可变（CONSTRAINT_VIOLATION）。
  - 每个 (execution, artifact, event type) 只创建一次 Event。
  - ExpectedState 非空时，写入时刻存储中的状态不一致即返回
    CONCURRENT_MODIFICATION。
  - 任何失败都不会留下部分写入。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - Database: 基于 GORM 的实现（PostgreSQL / MySQL / SQLite），
    单个数据库事务完成一次写入，适合生产部署。
  - Redis: 基于 Redis 的实现，INCR 生成 ID，WATCH + MULTI/EXEC
    保证原子性与乐观并发，适合分布式部署。

# 使用方式

通过工厂函数按配置创建存储实例：

	store, err := persistence.NewStore(cfg, logger)
*/
package persistence
