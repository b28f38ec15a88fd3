package call

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/wilsonzlin/videoroom/internal/config"
	"github.com/wilsonzlin/videoroom/internal/metrics"
	"github.com/wilsonzlin/videoroom/internal/signaling"
)

// SendMessage appends a chat message locally and then broadcasts it.
// Blank text is ignored. The local copy is kept even if the broadcast fails.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	o.mu.Lock()
	if o.lifecycle != LifecycleActive {
		o.mu.Unlock()
		return ErrNotActive
	}
	ch := o.channel
	o.mu.Unlock()

	sender := o.cfg.UserName
	if strings.TrimSpace(sender) == "" {
		sender = config.DefaultUserName
	}
	msg := signaling.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Timestamp: o.opts.Now().UnixMilli(),
	}
	o.appendMessage(msg)

	if err := ch.Send(ctx, signaling.Chat(msg, o.session.ParticipantID)); err != nil {
		o.log.Warn("failed to send chat message", "err", err)
		return err
	}
	o.metrics.Inc(metrics.CallChatSent)
	return nil
}

// Messages returns the chat history in arrival order.
func (o *Orchestrator) Messages() []signaling.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]signaling.ChatMessage(nil), o.messages...)
}

// OnMessage subscribes fn to chat messages, local and remote.
func (o *Orchestrator) OnMessage(fn func(signaling.ChatMessage)) {
	o.mu.Lock()
	o.messageSubs = append(o.messageSubs, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) appendMessage(msg signaling.ChatMessage) {
	o.mu.Lock()
	o.messages = append(o.messages, msg)
	subs := append(([]func(signaling.ChatMessage))(nil), o.messageSubs...)
	o.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}
