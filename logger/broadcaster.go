// Package logger mirrors process log output to external observers. The
// Broadcaster is an io.Writer meant to sit in a MultiWriter next to stdout;
// every line written through it lands in a bounded ring buffer and on each
// subscriber's channel.
package logger

import (
	"strings"
	"sync"
	"time"
)

// Line is one captured log line.
type Line struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Broadcaster fans log lines out to subscribers. Slow subscribers lose
// lines rather than blocking the logger.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[chan Line]bool
	buffer  []Line
	size    int
}

// NewBroadcaster keeps the most recent size lines for late subscribers.
func NewBroadcaster(size int) *Broadcaster {
	if size <= 0 {
		size = 1000
	}
	return &Broadcaster{
		clients: make(map[chan Line]bool),
		buffer:  make([]Line, 0, size),
		size:    size,
	}
}

// Write satisfies io.Writer for log.SetOutput.
func (b *Broadcaster) Write(p []byte) (int, error) {
	line := Line{
		Time: time.Now().UTC(),
		Text: strings.TrimRight(string(p), "\n"),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buffer) >= b.size {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, line)

	for ch := range b.clients {
		select {
		case ch <- line:
		default:
			// Subscriber is behind; drop the line for it.
		}
	}
	return len(p), nil
}

// Subscribe returns a live channel plus a copy of the buffered history.
func (b *Broadcaster) Subscribe() (chan Line, []Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Line, 200)
	b.clients[ch] = true

	history := make([]Line, len(b.buffer))
	copy(history, b.buffer)
	return ch, history
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.clients[ch] {
		delete(b.clients, ch)
		close(ch)
	}
}
