package executors

import (
	"context"
	"encoding/json"
	"net/http"
)

// MessageType is the registry key of the chat message executor.
const MessageType = "message.send"

const messageSettingsSchema = `{
  "type": "object",
  "properties": {
    "channel": {"type": "string", "minLength": 1},
    "user": {"type": "string", "minLength": 1},
    "text": {"type": "string", "minLength": 1},
    "webhook_url": {"type": "string", "format": "uri"}
  },
  "required": ["text"],
  "anyOf": [
    {"required": ["channel"]},
    {"required": ["user"]}
  ]
}`

const messageOutputSchema = `{
  "type": "object",
  "properties": {
    "delivered": {"type": "boolean"},
    "status_code": {"type": "integer"},
    "channel": {"type": "string"},
    "user": {"type": "string"},
    "response": {}
  }
}`

// MessageConfig configures the message.send executor.
type MessageConfig struct {
	// WebhookURL receives the message unless a node overrides webhook_url.
	WebhookURL string
	HTTP       HTTPConfig
}

// MessageSend posts {channel|user, text} to a chat webhook.
type MessageSend struct {
	cfg MessageConfig
}

func NewMessageSend(cfg MessageConfig) *MessageSend {
	cfg.HTTP = cfg.HTTP.withDefaults()
	return &MessageSend{cfg: cfg}
}

func (m *MessageSend) Type() string { return MessageType }

func (m *MessageSend) Schema() Schema {
	return Schema{
		Description: "Post a message to a chat channel or user through a webhook.",
		Settings:    json.RawMessage(messageSettingsSchema),
		Output:      json.RawMessage(messageOutputSchema),
	}
}

func (m *MessageSend) Execute(ctx context.Context, in Input) (map[string]any, error) {
	url := stringParam(in.Settings, "webhook_url", m.cfg.WebhookURL)
	if err := requireURL(MessageType, "webhook url", url); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"text":            stringParam(in.Settings, "text", ""),
		"company_id":      in.CompanyID,
		"idempotency_key": in.IdempotencyKey,
	}
	out := map[string]any{}
	if ch := stringParam(in.Settings, "channel", ""); ch != "" {
		payload["channel"] = ch
		out["channel"] = ch
	}
	if user := stringParam(in.Settings, "user", ""); user != "" {
		payload["user"] = user
		out["user"] = user
	}

	resp, err := doJSON(ctx, m.cfg.HTTP, http.MethodPost, url,
		map[string]string{"Idempotency-Key": in.IdempotencyKey}, payload)
	if err != nil {
		return nil, err
	}

	out["delivered"] = true
	out["status_code"] = resp.StatusCode
	out["response"] = resp.Body
	return out, nil
}
