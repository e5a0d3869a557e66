package runner

import (
	"context"
	"sync"

	"github.com/waldiez/studio/internal/engine"
)

// Conn is the duplex channel a runner serves. ReadMessage blocks until a
// message arrives and fails once the peer is gone.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
}

// writer serializes writes from the runner, its engine sender and worker
// goroutines onto one connection.
type writer struct {
	mu   sync.Mutex
	conn Conn
}

func (w *writer) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// Send makes writer an engine.Sink.
func (w *writer) Send(_ context.Context, msg engine.Message) error {
	return w.WriteJSON(msg)
}

func (w *writer) send(typ string, data any) error {
	return w.WriteJSON(engine.Message{Type: typ, Data: data})
}

type inbound struct {
	data []byte
	err  error
}

// readLoop pumps conn into a channel so callers can select on it. The
// channel closes after the first read error, which is delivered.
func readLoop(ctx context.Context, conn Conn) <-chan inbound {
	ch := make(chan inbound)
	go func() {
		defer close(ch)
		for {
			data, err := conn.ReadMessage()
			select {
			case ch <- inbound{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func errorData(message string) map[string]any {
	return map[string]any{"message": message}
}
