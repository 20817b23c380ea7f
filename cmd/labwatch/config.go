package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/agent"
	"github.com/tinytelemetry/labwatch/internal/config"
	"github.com/tinytelemetry/labwatch/internal/lab"
	"github.com/tinytelemetry/labwatch/internal/model"
	"github.com/tinytelemetry/labwatch/internal/notify"
)

const (
	defaultNotifyTimeout = 10 * time.Second
	defaultAgentRetries  = 2
)

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func agentConfig(c config.Agent) agent.Config {
	return agent.Config{
		Model:         c.Model,
		Temperature:   c.Temperature,
		MaxTokens:     c.MaxTokens,
		TopP:          c.TopP,
		APIKey:        c.APIKey,
		BaseURL:       c.BaseURL,
		MaxToolRounds: c.MaxToolRounds,
		Timeout:       c.Timeout,
		MaxRetries:    defaultAgentRetries,
	}
}

func notifyConfig(c config.Notify) notify.Config {
	return notify.Config{
		SlackToken:    c.SlackToken,
		SlackChannel:  c.SlackChannel,
		EmailServer:   c.EmailServer,
		EmailPort:     c.EmailPort,
		EmailUser:     c.EmailUser,
		EmailPassword: c.EmailPassword,
		EmailTo:       c.EmailTo,
		Timeout:       defaultNotifyTimeout,
	}
}

// agentFactory returns nil without an API key; labs then alert without
// automated analysis.
func agentFactory(c config.Agent, logger zerolog.Logger) lab.AgentFactory {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil
	}
	ac := agentConfig(c)
	return func(labID string, tools []agent.Tool) model.Agent {
		return agent.New(ac, tools, logger.With().Str("lab", labID).Str("component", "agent").Logger())
	}
}

func labOptions(cfg config.Config, events lab.EventStore, logger zerolog.Logger) lab.Options {
	return lab.Options{
		Config:   cfg,
		Notify:   notifyConfig(cfg.Notify),
		NewAgent: agentFactory(cfg.Agent, logger),
		Events:   events,
		Logger:   logger,
	}
}
