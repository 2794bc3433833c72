package notification

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
)

// ErrInvalidPhone is returned for numbers with fewer than ten digits.
var ErrInvalidPhone = errors.New("phone number must have at least 10 digits")

// FormatPhone strips everything but digits and prefixes the Brazilian
// country code when it is missing.
func FormatPhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 10 {
		return "", ErrInvalidPhone
	}
	if !strings.HasPrefix(digits, "55") && len(digits) <= 11 {
		digits = "55" + digits
	}
	return digits, nil
}

// WhatsAppConfig addresses an Evolution API instance.
type WhatsAppConfig struct {
	BaseURL  string
	Instance string
	APIKey   string
	Timeout  time.Duration
}

// Configured reports whether every connection field is set.
func (c WhatsAppConfig) Configured() bool {
	return c.BaseURL != "" && c.Instance != "" && c.APIKey != ""
}

// WhatsAppSender sends text messages through the Evolution API.
type WhatsAppSender struct {
	cfg    WhatsAppConfig
	client *http.Client
}

// NewWhatsAppSender creates a sender. A zero timeout defaults to 15s.
func NewWhatsAppSender(cfg WhatsAppConfig) *WhatsAppSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhatsAppSender{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type sendTextRequest struct {
	Number      string `json:"number"`
	Text        string `json:"text"`
	Delay       int    `json:"delay"`
	LinkPreview bool   `json:"linkPreview"`
}

// SendText posts one message. Any non-2xx response is an error.
func (s *WhatsAppSender) SendText(ctx context.Context, phone, text string) error {
	if !s.cfg.Configured() {
		return errors.New("whatsapp sender is not configured")
	}
	payload, err := json.Marshal(sendTextRequest{Number: phone, Text: text, Delay: 1200})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	url := fmt.Sprintf("%s/message/sendText/%s", s.cfg.BaseURL, s.cfg.Instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
