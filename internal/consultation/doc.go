// Package consultation 提供异步问询：提交后进入队列，由工作协程交给神谕执行，
// 调用方通过 ID 轮询结果。存储支持内存与 MySQL，队列支持内存、Redis 与 RabbitMQ。
package consultation
