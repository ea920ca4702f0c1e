// Package stream 提供流式补全的消费端能力：
// 多目的地缓冲汇（Sink）与针对不支持流式后端的模拟流（Simulator）。
// 两者共同保证调用方看到一致的增量输出体验。
package stream
