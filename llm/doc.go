// 版权所有 2025 PlanFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供 planflow 的统一补全客户端层，包括 Client 抽象、
重试与限流、流式消费与模拟、批量并发执行等能力。

# 概述

本包目标是屏蔽不同模型服务商在流式协议、错误语义和限流行为上的差异，
对上层规划流水线暴露一致的补全请求与结果模型。上层只关心
"给定 prompt，拿到文本"；重试、退避、限流自适应与流式降级都在本层完成。

# 核心接口

  - [Client]：补全客户端接口，提供 Complete / CompleteStreaming /
    CompleteMany / HealthCheck / Name
  - [TokenCallback]：流式增量回调，同一流内严格串行按序调用
  - [ClientRegistry]：按名称管理多个客户端，支持默认客户端

# 核心类型

  - [CompletionRequest] / [CompletionResult]：补全请求与结果
  - [Usage]：token 用量，尽力而为附加，缺失不是错误
  - [BatchResult]：批量执行中单个请求的结果
  - [Error]：结构化错误，携带错误码、HTTP 状态与可重试标记

# 错误语义

瞬时错误（网络、超时、5xx）在内部按退避策略重试；限流信号交给
retry.Limiter 处理并在耗尽后以 retry.ErrRateLimitExceeded 浮出；
其余 4xx 与不可用负载不重试、原样传播；取消永远立即传播。

# 相关子包

- llm/providers：OpenAI 兼容线协议与错误映射。
- llm/providers/openaicompat：具体客户端实现（SSE 流式）。
- llm/retry：退避策略与限流器（含自适应变体）。
- llm/stream：流式缓冲汇与模拟流。
- llm/batch：并发门限与有序批量执行。
- llm/tokenizer：本地 token 计数与用量估算。
- llm/factory：按提供商标识构造客户端。
*/
package llm
