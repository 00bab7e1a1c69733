// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 publish 实现执行发布引擎：注册执行、把执行推进到终态，
并在发布成功时将执行器上报的输出与系统声明的输出骨架合并。

# 概述

流水线的每个节点运行一次执行（Execution）。编排器在启动执行器前
调用 RegisterExecution 记录一条 RUNNING 状态的执行，执行器结束后
按结果调用四种发布操作之一。所有写入都通过 persistence.Store 的
一次原子 PutExecution 完成。

# 核心类型

  - Publisher: 发布器，无状态，可并发使用。通过 Option 注入
    zap 日志、MetricsRecorder、OpenTelemetry Tracer 与请求 ID 生成器。
  - MergeOutputs: 纯函数，合并输出骨架与执行器输出，返回新的
    ArtifactMap，所有产物状态为 LIVE。
  - MergeError: 合并拒绝的详细信息，Kind 为 unknown_channel、
    partial_channel_update 或 artifact_type_changed，可通过
    errors.As 取得，并解包为带错误码的 *types.Error。

# 发布操作

  - PublishSucceededExecution: 合并后写入 COMPLETE，输出以 OUTPUT 事件链接。
  - PublishCachedExecution: 写入 CACHED，输出原样以 OUTPUT 事件链接。
  - PublishFailedExecution: 写入 FAILED，不链接任何产物。
  - PublishInternalExecution: 写入 COMPLETE，输出以 INTERNAL_OUTPUT 事件链接。

# 状态规则

默认启用严格转换：只有 NEW / RUNNING 状态的执行可以进入终态，
对已处于目标状态的执行重复发布视为幂等。其他情况返回
INVALID_TRANSITION。写入时携带读取到的状态作为期望状态，
存储中的状态被并发修改时返回 CONCURRENT_MODIFICATION。
WithStrictTransitions(false) 关闭状态检查。

# 使用示例

	publisher := publish.NewPublisher(store,
		publish.WithLogger(logger),
		publish.WithMetrics(collector),
	)

	exec, err := publisher.RegisterExecution(ctx, trainerType, contexts, inputs, nil)
	if err != nil {
		return err
	}

	outputs, err := publisher.PublishSucceededExecution(ctx, exec.ID, contexts, skeleton, executorOutput)
*/
package publish
