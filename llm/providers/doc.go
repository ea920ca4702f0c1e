// Package providers 提供各补全后端共享的基础设施：
// OpenAI 兼容的线格式类型、HTTP 错误映射与 Retry-After 解析。
package providers
