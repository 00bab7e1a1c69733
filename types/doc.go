// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 execflow 的全局共享错误类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 metadata、persistence、
publish 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 Retryable 标记与 Cause 链
  - 错误码分三组：通用（NOT_FOUND / INVALID_REQUEST / INVALID_TRANSITION）、
    合并校验（UNKNOWN_CHANNEL / PARTIAL_CHANNEL_UPDATE / ARTIFACT_TYPE_CHANGED）、
    存储（CONSTRAINT_VIOLATION / CONCURRENT_MODIFICATION / STORE_CLOSED）

# 主要能力

  - 错误工具链：GetErrorCode / IsErrorCode / IsRetryable，均基于 errors.As，
    可穿透 fmt.Errorf("%w") 包装
  - errors.Is 按错误码比较：errors.Is(err, types.NewError(types.ErrNotFound, ""))
*/
package types
