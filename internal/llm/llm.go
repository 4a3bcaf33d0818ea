package llm

import "context"

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request 描述发送给大模型的完整对话。
type Request struct {
	Messages []Message
	// Temperature 为 nil 时使用客户端默认值。
	Temperature *float64
}

// Response 是大模型返回的回复。
type Response struct {
	Content string
	Model   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// System 构造系统消息。
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User 构造用户消息。
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant 构造助手消息。
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
