// Package chat keeps the ordered, deduplicated message log. Order is the
// order of arrival on the channel (server-assigned), never client clocks.
package chat

import (
	"sync"
	"time"

	"github.com/squidx232/watchparty/internal/protocol"
)

// groupGap is the largest sender-local silence that still groups two
// consecutive messages for presentation.
const groupGap = 60 * time.Second

type Log struct {
	mu   sync.Mutex
	msgs []protocol.ChatMessage
	seen map[string]struct{}
}

func NewLog() *Log {
	return &Log{seen: make(map[string]struct{})}
}

// ReplaceHistory swaps the whole log for the server's trusted snapshot.
func (l *Log) ReplaceHistory(history []protocol.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = make([]protocol.ChatMessage, 0, len(history))
	l.seen = make(map[string]struct{}, len(history))
	for _, m := range history {
		if _, ok := l.seen[m.ID]; ok {
			continue
		}
		l.seen[m.ID] = struct{}{}
		l.msgs = append(l.msgs, m)
	}
}

// Append adds a live message iff its id has not been seen. Reconnect races
// redeliver messages; the id check makes that harmless.
func (l *Log) Append(m protocol.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[m.ID]; ok {
		return false
	}
	l.seen[m.ID] = struct{}{}
	l.msgs = append(l.msgs, m)
	return true
}

// Messages returns a copy of the log in delivery order.
func (l *Log) Messages() []protocol.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.ChatMessage, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Group is a run of consecutive messages from one sender within the
// grouping gap. A presentation shape only, recomputed on demand.
type Group struct {
	SenderID   string
	SenderName string
	Messages   []protocol.ChatMessage
}

// Groups is a pure projection over the log; it holds no state of its own.
func (l *Log) Groups() []Group {
	msgs := l.Messages()
	var out []Group
	for _, m := range msgs {
		n := len(out)
		if n > 0 && out[n-1].SenderID == m.SenderID {
			last := out[n-1].Messages[len(out[n-1].Messages)-1]
			if m.SentAt-last.SentAt <= groupGap.Milliseconds() {
				out[n-1].Messages = append(out[n-1].Messages, m)
				continue
			}
		}
		out = append(out, Group{SenderID: m.SenderID, SenderName: m.SenderName, Messages: []protocol.ChatMessage{m}})
	}
	return out
}
