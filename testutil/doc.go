// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 execflow 测试的共享工具和辅助函数。

# 概述

testutil 包为发布引擎、存储后端等包的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertErrorCode / AssertEventsEqual
  - 数据工具: MustJSON / SummarizeEvents

# 子包

  - testutil/mocks: MockStore，包装任意 persistence.Store，
    支持 Builder 模式、错误注入与调用记录
  - testutil/fixtures: 测试环境 Env，预先注册执行类型、产物类型和上下文，
    并提供产物、通道与执行器输出的构造函数

# 使用示例

	ctx := testutil.TestContext(t)
	store := mocks.NewMockStore(nil).WithPutExecutionError(boom)
	env := fixtures.NewEnv(t, ctx, store)
	_, err := publisher.RegisterExecution(ctx, env.TrainerType, env.Contexts(), nil, nil)
	testutil.AssertErrorCode(t, err, types.ErrInternalError)
*/
package testutil
