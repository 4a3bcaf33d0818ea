// Package api 通过 HTTP 暴露神谕：同步问询、会话状态、异步问询与指标。
package api
