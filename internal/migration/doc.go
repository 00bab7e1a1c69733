// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 SQL 记录存储的 Schema，支持 PostgreSQL、
MySQL 与 SQLite 三种数据库，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌各数据库方言的 SQL 迁移文件，创建
persistence.GormStore 使用的八张表：execution_types、artifact_types、
contexts、executions、artifacts、events、associations 与 attributions。
events 上的 (execution_id, artifact_id, type) 唯一索引保证同一
执行与产物之间每种事件只记录一次。

# 核心接口与类型

  - Migrator：迁移器接口，定义 Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 等完整操作集。
  - DefaultMigrator：Migrator 的默认实现，封装 golang-migrate 实例，
    迁移日志输出到 zap，ctx 取消时在两次迁移之间优雅停止。
  - Config：迁移配置，包含数据库类型、连接 URL、可选的磁盘迁移目录、
    迁移表名与锁超时。
  - CLI：execflow migrate 子命令的实现，Run 按动作分发。

# 工厂函数

NewMigratorFromConfig / NewMigratorFromDatabaseConfig 从 execflow 配置
创建迁移器，NewMigratorFromURL 直接使用连接 URL。
*/
package migration
