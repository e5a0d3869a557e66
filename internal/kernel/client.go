package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
)

const clientBuffer = 256

// zmqClient talks to a kernel over its shell, iopub, stdin and control
// channels.
type zmqClient struct {
	info  ConnectionInfo
	codec *codec
	log   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shell   zmq4.Socket
	stdin   zmq4.Socket
	control zmq4.Socket
	iopub   zmq4.Socket

	sendMu sync.Mutex

	iopubCh chan *Message
	stdinCh chan *Message

	mu       sync.Mutex
	waiters  map[string]chan *Message
	lastReq  *Message
	started  bool
	stopOnce sync.Once
}

func newZMQClient(info ConnectionInfo, log *logger.Logger) *zmqClient {
	return &zmqClient{
		info:    info,
		codec:   newCodec(info.Key),
		log:     log.WithComponent("kernel-client"),
		iopubCh: make(chan *Message, clientBuffer),
		stdinCh: make(chan *Message, clientBuffer),
		waiters: make(map[string]chan *Message),
	}
}

func (c *zmqClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	id := zmq4.WithID(zmq4.SocketIdentity(c.codec.session))

	c.shell = zmq4.NewDealer(c.ctx, id)
	c.stdin = zmq4.NewDealer(c.ctx, id)
	c.control = zmq4.NewDealer(c.ctx)
	c.iopub = zmq4.NewSub(c.ctx)

	dials := []struct {
		sock zmq4.Socket
		port int
		name string
	}{
		{c.shell, c.info.ShellPort, "shell"},
		{c.stdin, c.info.StdinPort, "stdin"},
		{c.control, c.info.ControlPort, "control"},
		{c.iopub, c.info.IOPubPort, "iopub"},
	}
	for _, d := range dials {
		if err := d.sock.Dial(c.info.endpoint(d.port)); err != nil {
			c.Stop()
			return fmt.Errorf("dial %s channel: %w", d.name, err)
		}
	}
	if err := c.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		c.Stop()
		return fmt.Errorf("subscribe iopub: %w", err)
	}

	c.wg.Add(3)
	go c.readLoop(c.iopub, "iopub", c.deliverIOPub)
	go c.readLoop(c.shell, "shell", c.deliverReply)
	go c.readLoop(c.stdin, "stdin", c.deliverStdin)
	return nil
}

func (c *zmqClient) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		for _, s := range []zmq4.Socket{c.shell, c.stdin, c.control, c.iopub} {
			if s != nil {
				_ = s.Close()
			}
		}
		c.wg.Wait()

		c.mu.Lock()
		for id, ch := range c.waiters {
			close(ch)
			delete(c.waiters, id)
		}
		c.mu.Unlock()
	})
}

func (c *zmqClient) IOPub() <-chan *Message         { return c.iopubCh }
func (c *zmqClient) StdinRequests() <-chan *Message { return c.stdinCh }

// WaitReady polls kernel_info until the kernel answers or ctx ends.
func (c *zmqClient) WaitReady(ctx context.Context) error {
	for {
		attempt, cancel := context.WithTimeout(ctx, time.Second)
		msg := c.codec.newMessage("kernel_info_request", nil)
		ch := c.register(msg.Header.MsgID)
		err := c.send(c.shell, msg)
		if err == nil {
			_, err = c.await(attempt, msg.Header.MsgID, ch)
		}
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("kernel not ready: %w", ctx.Err())
		}
		if errors.Is(err, ErrClientClosed) {
			return err
		}
	}
}

func (c *zmqClient) Execute(_ context.Context, code string) (string, error) {
	msg := c.codec.newMessage("execute_request", map[string]any{
		"code":             code,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      true,
		"stop_on_error":    true,
	})
	c.register(msg.Header.MsgID)
	if err := c.send(c.shell, msg); err != nil {
		c.unregister(msg.Header.MsgID)
		return "", err
	}
	return msg.Header.MsgID, nil
}

func (c *zmqClient) Reply(ctx context.Context, msgID string) (*Message, error) {
	c.mu.Lock()
	ch, ok := c.waiters[msgID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending request %s", msgID)
	}
	return c.await(ctx, msgID, ch)
}

func (c *zmqClient) Input(value string) error {
	msg := c.codec.newMessage("input_reply", map[string]any{"value": value})
	c.mu.Lock()
	if c.lastReq != nil {
		msg.ParentHeader = c.lastReq.Header
	}
	c.mu.Unlock()
	return c.send(c.stdin, msg)
}

// requestShutdown asks the kernel to exit over the control channel.
func (c *zmqClient) requestShutdown(restart bool) error {
	msg := c.codec.newMessage("shutdown_request", map[string]any{"restart": restart})
	return c.send(c.control, msg)
}

func (c *zmqClient) send(sock zmq4.Socket, msg *Message) error {
	if sock == nil {
		return ErrClientClosed
	}
	frames, err := c.codec.encode(msg)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := sock.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("send %s: %w", msg.Header.MsgType, err)
	}
	return nil
}

func (c *zmqClient) register(msgID string) chan *Message {
	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.waiters[msgID] = ch
	c.mu.Unlock()
	return ch
}

func (c *zmqClient) unregister(msgID string) {
	c.mu.Lock()
	delete(c.waiters, msgID)
	c.mu.Unlock()
}

func (c *zmqClient) await(ctx context.Context, msgID string, ch chan *Message) (*Message, error) {
	defer c.unregister(msgID)
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *zmqClient) readLoop(sock zmq4.Socket, name string, deliver func(*Message)) {
	defer c.wg.Done()
	for {
		raw, err := sock.Recv()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug("kernel channel closed", zap.String("channel", name), zap.Error(err))
			}
			return
		}
		msg, err := c.codec.decode(raw.Frames)
		if err != nil {
			c.log.Warn("dropping malformed kernel message", zap.String("channel", name), zap.Error(err))
			continue
		}
		deliver(msg)
	}
}

func (c *zmqClient) deliverIOPub(msg *Message) {
	select {
	case c.iopubCh <- msg:
	case <-c.ctx.Done():
	}
}

func (c *zmqClient) deliverStdin(msg *Message) {
	if msg.Type() == "input_request" {
		c.mu.Lock()
		c.lastReq = msg
		c.mu.Unlock()
	}
	select {
	case c.stdinCh <- msg:
	case <-c.ctx.Done():
	}
}

func (c *zmqClient) deliverReply(msg *Message) {
	c.mu.Lock()
	ch, ok := c.waiters[msg.ParentHeader.MsgID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}
