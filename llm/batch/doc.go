// Package batch 提供有界并发执行：计数门限（Gate）约束同时在途的
// 补全请求数，RunBounded 以输入顺序返回全部结果，单项失败互相独立。
package batch
