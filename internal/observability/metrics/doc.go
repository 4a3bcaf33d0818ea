// Package metrics 使用 Prometheus 记录 HTTP、仪式迁移与异步问询指标。
package metrics
