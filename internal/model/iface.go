package model

import "context"

// Agent answers a conversation, possibly invoking its own tools first.
type Agent interface {
	Invoke(ctx context.Context, history []Message) (Message, error)
}

// Notifier delivers a text alert. Channels empty means the notifier's
// defaults. The result maps each attempted channel to its success.
type Notifier interface {
	Send(ctx context.Context, message string, channels ...string) map[string]bool
}

// Retriever returns SOP passages relevant to a free-text query.
type Retriever interface {
	Query(ctx context.Context, query string, limit int) ([]Passage, error)
}

// EventSink receives every anomaly for long-term history.
type EventSink interface {
	RecordAnomaly(ctx context.Context, rec AnomalyRecord) error
}
