// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接管理，是 SQL 记录存储后端的
底层依赖：方言选择、连接池、健康检查与事务重试。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，可由 PoolConfigFrom 从应用配置推导；
    SQLite 固定单连接。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 方言选择：Dialector / Open 支持 postgres、mysql 与纯 Go 的 sqlite。
  - 健康检查：后台定时 PingContext 探活，Close 时停止。
  - 事务管理：WithTransaction 提供单次事务执行，
    WithTransactionRetry 在死锁、序列化失败等场景下指数退避重试；
    带 *types.Error 的领域错误只按其 Retryable 标记决定是否重试。
*/
package database
