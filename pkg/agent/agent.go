package agent

import (
	"sync"

	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Message is one entry of the Queue, the asynchronous outbound channel to
// node agents. Handlers enqueue while holding the lock domain; delivery
// happens on worker goroutines afterwards, so no handler blocks on network
// I/O under lock.
type Message struct {
	Node string
	Type wire.MsgType
	Body any
}

// Transport delivers one message to one node agent. Implementations own
// connection management and retries below this layer.
type Transport interface {
	Send(node string, msg *wire.Msg) error
}

// Queue fans messages out to a fixed worker pool over an MPSC channel.
type Queue struct {
	transport Transport
	ch        chan Message
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewQueue creates a queue backed by the given transport.
func NewQueue(transport Transport, depth, workers int) *Queue {
	if depth <= 0 {
		depth = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	q := &Queue{
		transport: transport,
		ch:        make(chan Message, depth),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Enqueue queues a message for delivery; it never blocks the caller beyond
// channel capacity. A full queue drops the message with an error log; the
// dropped message is not retried or resent.
func (q *Queue) Enqueue(node string, t wire.MsgType, body any) {
	select {
	case q.ch <- Message{Node: node, Type: t, Body: body}:
	default:
		logger := log.WithComponent("agent")
		logger.Error().
			Str("node", node).Stringer("msg", t).
			Msg("agent queue full, dropping message")
	}
}

// EnqueueAll fans one message out to a node list.
func (q *Queue) EnqueueAll(nodes []string, t wire.MsgType, body any) {
	for _, n := range nodes {
		q.Enqueue(n, t, body)
	}
}

// Stop drains the queue and waits for the workers.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.ch) })
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	logger := log.WithComponent("agent")
	for m := range q.ch {
		msg := wire.NewMsg(m.Type, m.Body)
		if err := q.transport.Send(m.Node, msg); err != nil {
			logger.Warn().Err(err).Str("node", m.Node).Stringer("msg", m.Type).
				Msg("agent send failed")
		}
	}
}

// Recorder is a Transport that captures messages for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(node string, msg *wire.Msg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Message{Node: node, Type: msg.Header.Type, Body: msg.Body})
	return nil
}

// Sent returns a snapshot of everything delivered so far.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}

// SentTo filters delivered messages by node and type.
func (r *Recorder) SentTo(node string, t wire.MsgType) []Message {
	var out []Message
	for _, m := range r.Sent() {
		if m.Node == node && m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// CountType counts delivered messages of one type.
func (r *Recorder) CountType(t wire.MsgType) int {
	n := 0
	for _, m := range r.Sent() {
		if m.Type == t {
			n++
		}
	}
	return n
}
