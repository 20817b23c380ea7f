package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/metrics"
	"github.com/tinytelemetry/labwatch/internal/model"
)

// InputSource yields pending operator input exactly once.
type InputSource interface {
	ReadUserInput() (model.UserInputRecord, bool)
}

// InputHandler reacts to operator instructions dropped by the controller.
type InputHandler struct {
	labID       string
	autoProcess bool
	channels    []string
	input       InputSource
	agent       model.Agent
	notifier    model.Notifier
	hints       HintWriter
	exec        Executor
	logger      zerolog.Logger
}

// InputHandlerDeps are the collaborators an InputHandler needs.
type InputHandlerDeps struct {
	Input    InputSource
	Agent    model.Agent
	Notifier model.Notifier
	Hints    HintWriter
	Executor Executor
	Logger   zerolog.Logger
}

func NewInputHandler(labID string, autoProcess bool, channels []string, deps InputHandlerDeps) *InputHandler {
	exec := deps.Executor
	if exec == nil {
		exec = Inline{}
	}
	return &InputHandler{
		labID:       labID,
		autoProcess: autoProcess,
		channels:    channels,
		input:       deps.Input,
		agent:       deps.Agent,
		notifier:    deps.Notifier,
		hints:       deps.Hints,
		exec:        exec,
		logger:      deps.Logger,
	}
}

// OnUserInput consumes pending input. With auto-processing enabled the
// request goes to the agent and the reply to the operator. It reports
// whether input was present.
func (h *InputHandler) OnUserInput(ctx context.Context) bool {
	in, ok := h.input.ReadUserInput()
	if !ok {
		return false
	}
	h.logger.Info().Str("user", in.User).Msg("operator input received")
	if !h.autoProcess || h.agent == nil {
		return true
	}
	h.exec.Submit(func() { h.handle(ctx, in) })
	return true
}

func (h *InputHandler) handle(ctx context.Context, in model.UserInputRecord) {
	start := time.Now()
	reply, err := h.agent.Invoke(ctx, []model.Message{{Role: model.RoleUser, Content: UserInputPrompt(h.labID, in)}})
	metrics.ObserveAgent(h.labID, metrics.KindUserInput, time.Since(start).Seconds())
	if err != nil {
		h.logger.Error().Err(err).Msg("operator request failed")
		msg := fmt.Sprintf("[labwatch %s] Could not process request from %s: %v\nRequest: %s", h.labID, in.User, err, in.Input)
		h.notifier.Send(ctx, msg, h.channels...)
		metrics.Notification(h.labID, metrics.KindUserInput, metrics.OutcomeFallback)
		return
	}

	h.notifier.Send(ctx, banner(h.labID, "Reply to "+in.User, reply.Content), h.channels...)
	metrics.Notification(h.labID, metrics.KindUserInput, metrics.OutcomeSent)

	if h.hints == nil {
		return
	}
	anomaly := fmt.Sprintf("Operator request from %s: %s", in.User, in.Input)
	if _, err := h.hints.AddHint(model.SeverityInfo, anomaly, reply.Content, ""); err != nil {
		h.logger.Warn().Err(err).Msg("hint not recorded")
	}
}
