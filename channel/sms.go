package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3/client"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioConfig holds the credentials for the Twilio messages API
type TwilioConfig struct {
	AccountSID string        `yaml:"account_sid"`
	AuthToken  string        `yaml:"auth_token"`
	FromNumber string        `yaml:"from_number"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TwilioSender sends SMS through the Twilio REST API
type TwilioSender struct {
	cfg    TwilioConfig
	client *client.Client
}

// NewTwilioSender creates a sender; BaseURL defaults to the public API
func NewTwilioSender(cfg TwilioConfig) *TwilioSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TwilioSender{
		cfg:    cfg,
		client: client.New().SetTimeout(cfg.Timeout),
	}
}

// SendSMS posts one message to the Messages resource
func (s *TwilioSender) SendSMS(ctx context.Context, to, body string) error {
	url := fmt.Sprintf("%s/Accounts/%s/Messages.json", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.AccountSID)
	auth := base64.StdEncoding.EncodeToString([]byte(s.cfg.AccountSID + ":" + s.cfg.AuthToken))

	resp, err := s.client.Post(url, client.Config{
		Ctx:    ctx,
		Header: map[string]string{"Authorization": "Basic " + auth},
		FormData: map[string]string{
			"To":   to,
			"From": s.cfg.FromNumber,
			"Body": body,
		},
	})
	if err != nil {
		return fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Close()

	if status := resp.StatusCode(); status >= 300 {
		return fmt.Errorf("twilio returned status %d: %s", status, string(resp.Body()))
	}
	return nil
}

var _ SMSSender = (*TwilioSender)(nil)
