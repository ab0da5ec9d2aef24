package channel

import (
	"errors"
	"sync/atomic"
)

var ErrSinkSealed = errors.New("The channel is sealed")

// SinkWithSender is the sending end of a conference queue bound to a fixed
// sender. Multiple producers (room members, bridge sessions, timers) share
// the underlying channel, but each producer holds its own sink so that the
// receiver can always tell who a message came from and a producer cannot
// impersonate another one (we guarantee this on a compile-time).
type SinkWithSender[SenderType comparable, MessageType any] struct {
	// The sender of the messages. This is useful for multiple-producer-single-consumer scenarios.
	sender SenderType
	// The message sink to which the messages are sent.
	messageSink chan<- Message[SenderType, MessageType]
	// A channel that is used to indicate that our channel is considered sealed. It's akin
	// to a close indication without really closing the channel. We don't want to close
	// the channel here since we know that the sink is shared between multiple producers,
	// so we only disallow sending to the sink at this point.
	sealed chan struct{}
	// A "mutex" that is used to protect the act of closing `sealed`.
	alreadySealed atomic.Bool
}

// Creates a new sink bound to the given sender. The function is generic allowing us to use
// it for all queues of the focus (member events, peer signaling, bridge outcomes).
// Note that since the current implementation accepts a channel, it's **not responsible** for closing it.
func NewSink[S comparable, M any](sender S, messageSink chan<- Message[S, M]) *SinkWithSender[S, M] {
	return &SinkWithSender[S, M]{
		sender:      sender,
		messageSink: messageSink,
		sealed:      make(chan struct{}),
	}
}

// Sends a message to the message sink. Blocks if the sink is full!
func (s *SinkWithSender[S, M]) Send(message M) error {
	if s.alreadySealed.Load() {
		return ErrSinkSealed
	}

	messageWithSender := Message[S, M]{
		Sender:  s.sender,
		Content: message,
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.messageSink <- messageWithSender:
		return nil
	}
}

// Seals the sink, which means that no messages could be sent via it anymore.
// Any attempt to send a message after `Seal()` returns will result in an error.
// Note that it does not mean (does not guarantee) that any existing senders that are
// waiting on the send to unblock won't send the message to the recipient (this case
// can happen if buffered channels are used). The existing senders will either unblock
// at this point and get an error that the sink is sealed or will unblock by sending
// the message to the recipient (should the recipient be ready to consume at this point).
func (s *SinkWithSender[S, M]) Seal() {
	if !s.alreadySealed.CompareAndSwap(false, true) {
		return
	}

	select {
	case <-s.sealed:
		return
	default:
		close(s.sealed)
	}
}

// Message is an envelope that pairs a payload with the producer it came from.
// Queue consumers (the conference loop above all) switch on the concrete type
// of `Content` to dispatch, since producers are isolated from each other and
// can only influence the conference through these messages.
type Message[SenderType comparable, MessageType any] struct {
	// The sender of the message.
	Sender SenderType
	// The content of the message.
	Content MessageType
}
