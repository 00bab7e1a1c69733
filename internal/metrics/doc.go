// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的执行发布指标采集能力，覆盖
发布操作与记录存储两大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
注册机制，可指定 Registry 以便测试隔离。所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器，实现 publish 包所需的指标记录接口。

# 主要能力

  - 发布指标：操作总数（operation/result）、操作耗时、合并拒绝
    计数（kind）、按事件类型统计的已发布产物数、执行状态转换计数。
  - 存储指标：存储调用耗时 Histogram，失败调用按错误码计数。
*/
package metrics
