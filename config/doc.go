// Package config 提供 execflow 的配置管理功能。
//
// 配置来源按优先级依次为：默认值 → YAML 文件 → 环境变量（前缀 EXECFLOW）。
// 覆盖记录存储后端选择、数据库连接、Redis、发布策略、指标、日志与遥测。
package config
