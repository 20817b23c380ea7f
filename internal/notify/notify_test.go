package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_Slack(t *testing.T) {
	var got map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := New(Config{SlackToken: "xoxb-1", SlackChannel: "#alerts", SlackAPIURL: srv.URL}, nil, zerolog.Nop())
	res := n.Send(context.Background(), "controller down", ChannelSlack)

	assert.Equal(t, map[string]bool{ChannelSlack: true}, res)
	assert.Equal(t, "Bearer xoxb-1", auth)
	assert.Equal(t, "#alerts", got["channel"])
	assert.Equal(t, "controller down", got["text"])
}

func TestSend_SlackAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	n := New(Config{SlackToken: "t", SlackChannel: "#x", SlackAPIURL: srv.URL}, nil, zerolog.Nop())
	assert.False(t, n.Send(context.Background(), "m", ChannelSlack)[ChannelSlack])
}

func TestSend_EmailUsesDefaults(t *testing.T) {
	n := New(Config{
		EmailServer:   "smtp.example.com",
		EmailUser:     "labwatch@example.com",
		EmailPassword: "secret",
		EmailTo:       []string{"ops@example.com"},
	}, nil, zerolog.Nop())

	var addr string
	var msg []byte
	n.sendMail = func(a string, _ smtp.Auth, from string, to []string, m []byte) error {
		addr, msg = a, m
		return nil
	}

	res := n.Send(context.Background(), "line one\nline two")
	require.Equal(t, map[string]bool{ChannelEmail: true}, res)
	assert.Equal(t, "smtp.example.com:587", addr)
	assert.True(t, strings.Contains(string(msg), "Subject: labwatch alert\r\n"))
	assert.True(t, strings.HasSuffix(string(msg), "line one\r\nline two\r\n"))
}

func TestSend_PerChannelResults(t *testing.T) {
	n := New(Config{EmailServer: "s", EmailUser: "u", EmailTo: []string{"x"}}, nil, zerolog.Nop())
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }

	res := n.Send(context.Background(), "m", "email", "slack", "pager")
	assert.Equal(t, map[string]bool{"email": false, "slack": false, "pager": false}, res)
}
