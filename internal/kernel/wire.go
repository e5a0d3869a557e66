package kernel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	protocolVersion = "5.3"
	delimiter       = "<IDS|MSG>"
)

var (
	errNoDelimiter  = errors.New("missing <IDS|MSG> delimiter")
	errShortMessage = errors.New("truncated message")
	errBadSignature = errors.New("signature mismatch")
)

// codec signs and verifies messages with the connection key. An empty key
// disables signing, as in the Jupyter spec.
type codec struct {
	key      []byte
	session  string
	username string
}

func newCodec(key string) *codec {
	return &codec{key: []byte(key), session: uuid.NewString(), username: "studio"}
}

func (c *codec) newMessage(msgType string, content map[string]any) *Message {
	if content == nil {
		content = map[string]any{}
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Session:  c.session,
			Username: c.username,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  protocolVersion,
		},
		Metadata: map[string]any{},
		Content:  content,
	}
}

func (c *codec) sign(parts ...[]byte) string {
	if len(c.key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, c.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// encode returns the wire frames for msg, starting at the delimiter.
func (c *codec) encode(msg *Message) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, err
	}
	parent := []byte("{}")
	if msg.ParentHeader.MsgID != "" {
		if parent, err = json.Marshal(msg.ParentHeader); err != nil {
			return nil, err
		}
	}
	meta, err := json.Marshal(orEmpty(msg.Metadata))
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(orEmpty(msg.Content))
	if err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, len(msg.Identities)+6)
	frames = append(frames, msg.Identities...)
	frames = append(frames,
		[]byte(delimiter),
		[]byte(c.sign(header, parent, meta, content)),
		header, parent, meta, content,
	)
	return frames, nil
}

func (c *codec) decode(frames [][]byte) (*Message, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, []byte(delimiter)) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errNoDelimiter
	}
	if len(frames) < idx+6 {
		return nil, errShortMessage
	}
	sig := frames[idx+1]
	header, parent, meta, content := frames[idx+2], frames[idx+3], frames[idx+4], frames[idx+5]
	if len(c.key) > 0 {
		want := c.sign(header, parent, meta, content)
		if !hmac.Equal(sig, []byte(want)) {
			return nil, errBadSignature
		}
	}

	msg := &Message{Identities: frames[:idx]}
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("decode parent header: %w", err)
	}
	if err := json.Unmarshal(meta, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(content, &msg.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return msg, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
