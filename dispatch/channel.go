package dispatch

import (
	"github.com/arloliu/go-devctl/control"
	"github.com/arloliu/go-devctl/internal/queue"
)

// Channel is a named consumer endpoint inside a Dispatcher: an inbound
// command queue plus outbound response and status queues. Channels let one
// dispatcher serve several independent consumers (e.g. a locally attached UI
// and a remote server) without cross-talk.
type Channel struct {
	name      string
	commands  *queue.Queue[control.Command]
	responses *queue.Queue[control.Envelope]
	statuses  *queue.Queue[control.Envelope]
}

func newChannel(name string) *Channel {
	return &Channel{
		name:      name,
		commands:  queue.New[control.Command](8),
		responses: queue.New[control.Envelope](8),
		statuses:  queue.New[control.Envelope](8),
	}
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// Enqueue appends a command to the channel's inbound queue. It never blocks.
func (ch *Channel) Enqueue(cmd control.Command) {
	ch.commands.Push(cmd)
}

// NextResponse pops the oldest pending response, if any.
func (ch *Channel) NextResponse() (control.Envelope, bool) {
	return ch.responses.Pop()
}

// DiscardResponses drops every pending response matching key and returns the
// number discarded. The server calls this before enqueueing a solicited
// command so that a stale response from an earlier timed-out command cannot
// be mistaken for the new one.
func (ch *Channel) DiscardResponses(key control.Key) int {
	discarded := 0
	for n := ch.responses.Len(); n > 0; n-- {
		env, ok := ch.responses.Pop()
		if !ok {
			break
		}
		if env.Matches(key) {
			discarded++
			continue
		}
		ch.responses.Push(env) // keep non-matching entries, order preserved
	}

	return discarded
}

// TakeLatestStatus drains the status queue, returning at most n of the most
// recent entries in order and the count of older entries dropped.
func (ch *Channel) TakeLatestStatus(n int) ([]control.Envelope, int) {
	return ch.statuses.TakeLatest(n)
}

// NextStatus pops the oldest pending status entry, if any.
func (ch *Channel) NextStatus() (control.Envelope, bool) {
	return ch.statuses.Pop()
}

// PendingCommands returns the number of queued inbound commands.
func (ch *Channel) PendingCommands() int { return ch.commands.Len() }

// PendingStatus returns the number of queued status entries.
func (ch *Channel) PendingStatus() int { return ch.statuses.Len() }

// PendingResponses returns the number of queued responses.
func (ch *Channel) PendingResponses() int { return ch.responses.Len() }

// clear discards everything queued on the channel.
func (ch *Channel) clear() {
	ch.commands.Clear()
	ch.responses.Clear()
	ch.statuses.Clear()
}
