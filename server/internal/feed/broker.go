package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// ErrStreamDropped is returned by Recv on a broker stream that was
// disconnected, either explicitly or because it fell behind.
var ErrStreamDropped = errors.New("feed: stream dropped")

// Broker is an in-process Transport. Publish fans wire events out to the
// streams subscribed to the event's table. A stream whose buffer is full is
// dropped, which the subscriber handles like any other disconnect.
type Broker struct {
	buffer int

	mu      sync.Mutex
	streams map[*brokerStream]struct{}
}

// NewBroker creates a Broker whose streams buffer up to buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{buffer: buffer, streams: make(map[*brokerStream]struct{})}
}

// Subscribe implements Transport.
func (b *Broker) Subscribe(ctx context.Context, sub Subscription) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	s := &brokerStream{
		broker: b,
		table:  sub.Table,
		ch:     make(chan []byte, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.streams[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Publish delivers one encoded event to every stream watching table.
// It never blocks.
func (b *Broker) Publish(table types.Table, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.streams {
		if s.table != table {
			continue
		}
		select {
		case s.ch <- payload:
		default:
			slog.Warn("feed: broker stream fell behind, dropping it", "table", table)
			b.dropLocked(s)
		}
	}
}

// Disconnect drops every open stream.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.streams {
		b.dropLocked(s)
	}
}

// Streams returns the number of open streams.
func (b *Broker) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *Broker) dropLocked(s *brokerStream) {
	delete(b.streams, s)
	s.closeOnce.Do(func() { close(s.done) })
}

type brokerStream struct {
	broker    *Broker
	table     types.Table
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *brokerStream) Recv(ctx context.Context) ([]byte, error) {
	// Buffered events are delivered before a drop is reported.
	select {
	case data := <-s.ch:
		return data, nil
	default:
	}
	select {
	case data := <-s.ch:
		return data, nil
	case <-s.done:
		return nil, &TransportError{Op: "recv", Err: ErrStreamDropped}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *brokerStream) Close() error {
	s.broker.mu.Lock()
	s.broker.dropLocked(s)
	s.broker.mu.Unlock()
	return nil
}
