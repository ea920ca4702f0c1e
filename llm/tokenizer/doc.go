// Package tokenizer 提供 Token 计数：OpenAI 系模型用 tiktoken 精确计数，
// 未知模型回退到区分 CJK/ASCII 的字符估算器，
// 用于在上游不返回 usage 时做尽力而为的用量估算。
package tokenizer
