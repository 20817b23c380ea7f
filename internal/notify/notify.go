// Package notify delivers alerts over Slack and email and reports
// per-channel success.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ChannelSlack = "slack"
	ChannelEmail = "email"

	defaultSlackAPI = "https://slack.com/api/chat.postMessage"
	emailSubject    = "labwatch alert"
)

// Config holds credentials for each channel. A channel with missing
// credentials always reports failure.
type Config struct {
	SlackToken    string
	SlackChannel  string
	SlackAPIURL   string
	EmailServer   string
	EmailPort     int
	EmailUser     string
	EmailPassword string
	EmailTo       []string
	Timeout       time.Duration
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Notifier implements model.Notifier.
type Notifier struct {
	cfg      Config
	defaults []string
	client   *http.Client
	sendMail sendMailFunc
	logger   zerolog.Logger
}

// New returns a notifier that uses defaults when Send is called without
// explicit channels.
func New(cfg Config, defaults []string, logger zerolog.Logger) *Notifier {
	if cfg.SlackAPIURL == "" {
		cfg.SlackAPIURL = defaultSlackAPI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(defaults) == 0 {
		defaults = []string{ChannelEmail}
	}
	return &Notifier{
		cfg:      cfg,
		defaults: defaults,
		client:   &http.Client{Timeout: cfg.Timeout},
		sendMail: smtp.SendMail,
		logger:   logger,
	}
}

// Send delivers message on every channel and never returns an error; the
// result maps each channel to whether delivery succeeded.
func (n *Notifier) Send(ctx context.Context, message string, channels ...string) map[string]bool {
	if len(channels) == 0 {
		channels = n.defaults
	}
	results := make(map[string]bool, len(channels))
	for _, ch := range channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		var err error
		switch ch {
		case ChannelSlack:
			err = n.sendSlack(ctx, message)
		case ChannelEmail:
			err = n.sendEmail(message)
		default:
			err = fmt.Errorf("unknown channel %q", ch)
		}
		results[ch] = err == nil
		if err != nil {
			n.logger.Warn().Err(err).Str("channel", ch).Msg("notification not delivered")
		}
	}
	return results
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (n *Notifier) sendSlack(ctx context.Context, message string) error {
	if n.cfg.SlackToken == "" || n.cfg.SlackChannel == "" {
		return errors.New("slack is not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"channel": n.cfg.SlackChannel,
		"text":    message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.SlackAPIURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+n.cfg.SlackToken)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack: status %d", resp.StatusCode)
	}
	var body slackResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("slack: decode response: %w", err)
	}
	if !body.OK {
		return fmt.Errorf("slack: %s", body.Error)
	}
	return nil
}

func (n *Notifier) sendEmail(message string) error {
	if n.cfg.EmailServer == "" || n.cfg.EmailUser == "" || len(n.cfg.EmailTo) == 0 {
		return errors.New("email is not configured")
	}
	port := n.cfg.EmailPort
	if port == 0 {
		port = 587
	}
	addr := n.cfg.EmailServer + ":" + strconv.Itoa(port)

	var auth smtp.Auth
	if n.cfg.EmailPassword != "" {
		auth = smtp.PlainAuth("", n.cfg.EmailUser, n.cfg.EmailPassword, n.cfg.EmailServer)
	}
	if err := n.sendMail(addr, auth, n.cfg.EmailUser, n.cfg.EmailTo, buildEmail(n.cfg.EmailUser, n.cfg.EmailTo, message)); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

func buildEmail(from string, to []string, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", emailSubject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
