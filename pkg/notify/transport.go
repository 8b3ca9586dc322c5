package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	telegramMaxLen = 4096
	discordMaxLen  = 2000
	whatsappMaxLen = 4096
)

// postJSON sends body to url and classifies the response.
func postJSON(ctx context.Context, client *http.Client, channel, url string, headers map[string]string, body any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Permanentf(channel, "failed to marshal request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return Permanentf(channel, "failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: channel, Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return statusError(channel, resp.StatusCode, string(respBody))
}

func orDefault(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return http.DefaultClient
}

// TelegramTransport sends through the Bot API. The address is a chat id.
type TelegramTransport struct {
	Token   string
	BaseURL string
	Client  *http.Client
}

func (t *TelegramTransport) Channel() string { return ChannelTelegram }

func (t *TelegramTransport) Send(ctx context.Context, address string, msg Message) error {
	if t.Token == "" {
		return Permanentf(ChannelTelegram, "bot token not configured")
	}
	if strings.TrimSpace(address) == "" {
		return Permanentf(ChannelTelegram, "empty chat id")
	}
	payload := map[string]any{
		"chat_id":                  address,
		"text":                     clip(FormatText(msg), telegramMaxLen),
		"disable_web_page_preview": true,
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.BaseURL, "/"), t.Token)
	return postJSON(ctx, orDefault(t.Client), ChannelTelegram, url, nil, payload)
}

// DefaultDiscordPrefixes are the accepted webhook URL prefixes.
var DefaultDiscordPrefixes = []string{
	"https://discord.com/api/webhooks/",
	"https://discordapp.com/api/webhooks/",
}

// DiscordTransport posts to a webhook. The address is the webhook URL.
type DiscordTransport struct {
	Prefixes []string
	Client   *http.Client
}

func (t *DiscordTransport) Channel() string { return ChannelDiscord }

func (t *DiscordTransport) Send(ctx context.Context, address string, msg Message) error {
	address = strings.TrimSpace(address)
	prefixes := t.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultDiscordPrefixes
	}
	valid := false
	for _, p := range prefixes {
		if strings.HasPrefix(address, p) {
			valid = true
			break
		}
	}
	if !valid {
		return Permanentf(ChannelDiscord, "invalid webhook url")
	}
	payload := map[string]string{"content": clip(FormatText(msg), discordMaxLen)}
	return postJSON(ctx, orDefault(t.Client), ChannelDiscord, address, nil, payload)
}

// WhatsAppTransport sends text messages through the WhatsApp Cloud API.
// The address is a phone number in international format.
type WhatsAppTransport struct {
	Token         string
	PhoneNumberID string
	BaseURL       string
	Client        *http.Client
}

func (t *WhatsAppTransport) Channel() string { return ChannelWhatsApp }

func (t *WhatsAppTransport) Send(ctx context.Context, address string, msg Message) error {
	if t.Token == "" || t.PhoneNumberID == "" {
		return Permanentf(ChannelWhatsApp, "cloud API token or phone number id not configured")
	}
	phone := cleanPhone(address)
	if phone == "" {
		return Permanentf(ChannelWhatsApp, "invalid phone number %q", address)
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phone,
		"type":              "text",
		"text":              map[string]string{"body": clip(FormatText(msg), whatsappMaxLen)},
	}
	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(t.BaseURL, "/"), t.PhoneNumberID)
	headers := map[string]string{"Authorization": "Bearer " + t.Token}
	return postJSON(ctx, orDefault(t.Client), ChannelWhatsApp, url, headers, payload)
}

func cleanPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r != '+' && r != ' ' && r != '-' && r != '(' && r != ')' {
			return ""
		}
	}
	if b.Len() < 8 {
		return ""
	}
	return b.String()
}

// EmailTransport sends HTML mail through the Resend API. The address is an email.
type EmailTransport struct {
	APIKey  string
	From    string
	BaseURL string
	Client  *http.Client
}

func (t *EmailTransport) Channel() string { return ChannelEmail }

func (t *EmailTransport) Send(ctx context.Context, address string, msg Message) error {
	if t.APIKey == "" || t.From == "" {
		return Permanentf(ChannelEmail, "api key or sender not configured")
	}
	address = strings.TrimSpace(address)
	if !strings.Contains(address, "@") {
		return Permanentf(ChannelEmail, "invalid address %q", address)
	}
	subject, html := FormatEmail(msg)
	payload := map[string]any{
		"from":    t.From,
		"to":      []string{address},
		"subject": subject,
		"html":    html,
	}
	headers := map[string]string{"Authorization": "Bearer " + t.APIKey}
	return postJSON(ctx, orDefault(t.Client), ChannelEmail, strings.TrimRight(t.BaseURL, "/")+"/emails", headers, payload)
}

// FuncTransport adapts a function to Transport. The CLI uses it for dry runs.
type FuncTransport struct {
	Name string
	Fn   func(ctx context.Context, address string, msg Message) error
}

func (t FuncTransport) Channel() string { return t.Name }

func (t FuncTransport) Send(ctx context.Context, address string, msg Message) error {
	return t.Fn(ctx, address, msg)
}
