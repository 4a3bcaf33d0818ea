package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Oracle-Delphi/internal/llm"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultTemperature = 0.7
)

// Preset 描述一个兼容 OpenAI Chat Completions 协议的服务商。
type Preset struct {
	BaseURL string
	Model   string
}

// 已知服务商的默认地址与模型。
var (
	PresetGroq   = Preset{BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.1-70b-versatile"}
	PresetOpenAI = Preset{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"}
)

// PresetFor 根据 provider 名称返回预设，未知名称返回 false。
func PresetFor(provider string) (Preset, bool) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "groq":
		return PresetGroq, true
	case "openai":
		return PresetOpenAI, true
	default:
		return Preset{}, false
	}
}

// Config 描述了调用 Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	// Temperature 为 nil 时使用默认值 0.7，显式的 0 会被保留。
	Temperature *float64
	Timeout     time.Duration
}

// Client 通过 HTTP 调用兼容 OpenAI 协议的大模型服务。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建客户端，缺省字段回落到 Groq 预设。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供大模型 API Key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = PresetGroq.BaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = PresetGroq.Model
	}

	temperature := defaultTemperature
	if cfg.Temperature != nil && *cfg.Temperature >= 0 {
		temperature = *cfg.Temperature
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Model 返回使用的模型名。
func (c *Client) Model() string {
	return c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate 调用 /chat/completions 获取回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("对话消息不能为空")
	}

	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建大模型请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求大模型失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("大模型返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析大模型响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("大模型响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("大模型响应内容为空")
	}

	model := decoded.Model
	if model == "" {
		model = c.model
	}
	return &llm.Response{Content: content, Model: model}, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	body := chatRequest{
		Model:       c.model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		Temperature: c.temperature,
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	for _, msg := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化大模型请求失败: %w", err)
	}
	return encoded, nil
}
