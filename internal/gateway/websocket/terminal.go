package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/terminal"
	"github.com/waldiez/studio/internal/workspace"
)

const (
	terminalPoll  = 10 * time.Millisecond
	terminalChunk = 4096
)

// Terminal event types sent to the client.
const (
	typeData       = "data"
	typeSessionEnd = "session_end"
)

type terminalEvent struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// terminalOp is a client message. Rows and cols arrive as numbers or
// numeric strings.
type terminalOp struct {
	Op   string          `json:"op"`
	Data string          `json:"data"`
	Rows json.RawMessage `json:"rows"`
	Cols json.RawMessage `json:"cols"`
}

// HandleTerminal serves GET /ws/terminal?cwd=: a shell behind a PTY,
// started in cwd relative to the workspace root.
func (h *Handler) HandleTerminal(c *gin.Context) {
	if h.opts.Terminals == nil {
		unavailable(c, "Terminal")
		return
	}
	ws, ok := h.upgrade(c)
	if !ok {
		return
	}
	defer ws.close(gorillaws.CloseNormalClosure, "")

	dir, err := workspace.SafeWorkdir(h.opts.Root, c.Query("cwd"))
	if err != nil {
		h.logger.Warn("rejected terminal cwd", zap.String("cwd", c.Query("cwd")), zap.Error(err))
		ws.close(gorillaws.ClosePolicyViolation, "Invalid cwd")
		return
	}

	var endOnce sync.Once
	end := func() {
		endOnce.Do(func() {
			_ = ws.WriteJSON(terminalEvent{Type: typeSessionEnd})
		})
	}

	id, sess, err := h.opts.Terminals.Open(dir, terminal.Options{})
	if err != nil {
		end()
		ws.close(gorillaws.CloseInternalServerErr, "Could not start terminal")
		return
	}
	defer h.opts.Terminals.Release(id)

	ctx, cancel := h.connContext(c)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		if pumpTerminal(ctx.Done(), sess, ws) {
			end()
			ws.close(gorillaws.CloseNormalClosure, "")
		}
	}()
	defer func() {
		cancel()
		<-pumpDone
		end()
	}()

	for {
		data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var op terminalOp
		if json.Unmarshal(data, &op) != nil {
			continue
		}
		switch op.Op {
		case "stdin":
			sess.Write([]byte(op.Data))
		case "resize":
			sess.Resize(dimension(op.Rows, terminal.DefaultRows), dimension(op.Cols, terminal.DefaultCols))
		case "interrupt":
			sess.Interrupt()
		case "terminate", "kill":
			sess.Terminate()
			return
		}
	}
}

// pumpTerminal relays PTY output until the shell is gone (true) or stop
// closes (false).
func pumpTerminal(stop <-chan struct{}, sess terminal.Session, out *conn) bool {
	buf := make([]byte, terminalChunk)
	var carry []byte
	ticker := time.NewTicker(terminalPoll)
	defer ticker.Stop()
	for {
		n, err := sess.Read(buf)
		if n > 0 {
			var text string
			text, carry = decodeChunk(carry, buf[:n])
			if text != "" {
				_ = out.WriteJSON(terminalEvent{Type: typeData, Data: text})
			}
			continue
		}
		if errors.Is(err, io.EOF) || !sess.Alive() {
			return true
		}
		select {
		case <-stop:
			return false
		case <-ticker.C:
		}
	}
}

// decodeChunk turns PTY bytes into text, holding back an incomplete
// trailing rune for the next chunk and dropping invalid sequences.
func decodeChunk(carry, chunk []byte) (string, []byte) {
	data := append(carry, chunk...)
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	rest := append([]byte(nil), data[cut:]...)
	return string(bytes.ToValidUTF8(data[:cut], nil)), rest
}

// dimension reads a positive size from a number or numeric string.
func dimension(raw json.RawMessage, def int) int {
	if len(raw) == 0 {
		return def
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		switch {
		case n < 1:
			return def
		case n >= terminal.MaxSize:
			return terminal.MaxSize
		}
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(s); err == nil {
			return terminal.ClampSize(v, def)
		}
	}
	return def
}
