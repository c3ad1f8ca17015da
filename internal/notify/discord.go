package notify

import (
	"context"
	"fmt"
	"net/http"
)

// discordLimit is the maximum message length Discord accepts.
const discordLimit = 2000

// DiscordSender posts alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a sender for the webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
	}
}

// Send posts the alert; the title is bold and long bodies are truncated.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	content := fmt.Sprintf("**%s**\n%s", title, message)
	if r := []rune(content); len(r) > discordLimit {
		content = string(r[:discordLimit-1]) + "…"
	}
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, map[string]string{
		"content":  content,
		"username": "marketbot",
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }
