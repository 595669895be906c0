// Package orchestrator 把一次收益查询拆成显式的任务图：收集、分析、持仓跟踪与优化。
//
// 节点状态只由运行循环修改，节点通过 Substrate 执行。上游部分完成时下游照常执行，
// 但结果被标记为 partial 并在清单中说明降级原因；上游失败时下游直接短路为失败。
package orchestrator
