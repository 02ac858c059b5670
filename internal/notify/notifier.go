package notify

import (
	"context"

	"depscan-service/internal/logger"

	"github.com/rs/zerolog"
)

type Channel string

const (
	ChannelMail Channel = "mail"
	ChannelChat Channel = "chat"
)

// Message is transport-neutral notification content. Senders decide how the
// lines render on their channel.
type Message struct {
	Subject string
	Lines   []string
}

// Sender delivers a composed message on one channel. Implementations own the
// transport; the pipeline only decides what to send and when.
type Sender interface {
	Send(ctx context.Context, recipient string, msg Message) error
}

// Dispatcher routes messages to the sender registered for each channel.
// Delivery failures are logged and never surfaced into pipeline state.
type Dispatcher struct {
	senders map[Channel]Sender
	log     zerolog.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		senders: make(map[Channel]Sender),
		log:     logger.Get(),
	}
}

func (d *Dispatcher) Register(channel Channel, sender Sender) {
	d.senders[channel] = sender
}

func (d *Dispatcher) Dispatch(ctx context.Context, channel Channel, recipient string, msg Message) {
	sender, ok := d.senders[channel]
	if !ok {
		d.log.Debug().Str("channel", string(channel)).Msg("No sender registered, notification dropped")
		return
	}

	if err := sender.Send(ctx, recipient, msg); err != nil {
		d.log.Error().
			Err(err).
			Str("channel", string(channel)).
			Str("subject", msg.Subject).
			Msg("Failed to deliver notification")
		return
	}

	d.log.Debug().
		Str("channel", string(channel)).
		Str("subject", msg.Subject).
		Msg("Notification delivered")
}
