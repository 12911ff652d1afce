package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrTransportClosed fails every call still pending when the peer's output
// ends or the connection is closed locally.
var ErrTransportClosed = errors.New("transport closed")

// ErrMalformedMessage marks a line that could not be classified. Such lines
// are logged and skipped; the connection keeps running.
var ErrMalformedMessage = errors.New("malformed message")

const (
	defaultMaxLineSize = 16 << 20
	inboundBuffer      = 256
)

// Call is an outstanding request. Done receives the call exactly once, after
// Result or Err has been set.
type Call struct {
	ID     int64
	Method string
	Result json.RawMessage
	Err    error
	Done   chan *Call
}

// Decode unmarshals the result into v. It returns Err if the call failed.
func (c *Call) Decode(v any) error {
	if c.Err != nil {
		return c.Err
	}
	if v == nil || len(c.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", c.Method, err)
	}
	return nil
}

// Message is an inbound notification or agent-to-host request. ID is nil for
// notifications and holds the raw id (number or string) for requests.
type Message struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// IsRequest reports whether the message expects a response.
func (m Message) IsRequest() bool {
	return m.ID != nil
}

// Conn is a JSON-RPC 2.0 connection over newline-delimited JSON.
//
// Writes are serialized by a mutex. A single read loop, started with Start,
// fulfils pending calls and pushes notifications and agent requests onto
// Inbound in the order they were read.
type Conn struct {
	wmu sync.Mutex
	enc *json.Encoder
	w   io.Writer
	r   io.Reader

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*Call
	closing bool

	scanner   *bufio.Scanner
	inbound   chan Message
	quit      chan struct{}
	quitOnce  sync.Once
	done      chan struct{}
	startOnce sync.Once
	err       atomic.Value

	malformed atomic.Int64
	log       *slog.Logger
}

// NewConn creates a connection reading from r and writing to w. Call Start
// to begin reading. If r is an io.Closer it is closed when the read loop
// exits.
func NewConn(r io.Reader, w io.Writer, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), defaultMaxLineSize)
	return &Conn{
		enc:     json.NewEncoder(w),
		w:       w,
		r:       r,
		pending: make(map[int64]*Call),
		scanner: s,
		inbound: make(chan Message, inboundBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
	}
}

// Start launches the read loop. Further calls are no-ops.
func (c *Conn) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

// Inbound returns the channel of notifications and agent requests. It is
// closed when the read loop exits.
func (c *Conn) Inbound() <-chan Message {
	return c.inbound
}

// Closed is closed once the read loop has exited and every pending call has
// been failed.
func (c *Conn) Closed() <-chan struct{} {
	return c.done
}

// Err returns why the read loop stopped: io.EOF for a clean end of stream.
func (c *Conn) Err() error {
	if v := c.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// MalformedLines returns how many inbound lines were skipped.
func (c *Conn) MalformedLines() int64 {
	return c.malformed.Load()
}

// Go sends a request without waiting for the reply. The call's ID is
// registered before anything is written, so a fast reply always finds it.
func (c *Conn) Go(method string, params any) *Call {
	call := &Call{
		ID:     c.nextID.Add(1),
		Method: method,
		Done:   make(chan *Call, 1),
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		call.Err = fmt.Errorf("%s: %w", method, ErrTransportClosed)
		call.Done <- call
		return call
	}
	c.pending[call.ID] = call
	c.mu.Unlock()

	id := call.ID
	if err := c.write(&outRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.fail(call.ID, fmt.Errorf("send %s: %w: %v", method, ErrTransportClosed, err))
	}
	return call
}

// Call sends a request and waits for its reply or for ctx to end. A
// cancelled call is removed from the pending table and fails with ctx.Err().
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	call := c.Go(method, params)
	select {
	case <-call.Done:
	case <-ctx.Done():
		// If the reply won the race, fail is a no-op and the reply is used.
		c.fail(call.ID, ctx.Err())
		<-call.Done
	}
	return call.Decode(result)
}

// Notify sends a notification. No reply is expected.
func (c *Conn) Notify(method string, params any) error {
	if err := c.write(&outRequest{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		return fmt.Errorf("notify %s: %w: %v", method, ErrTransportClosed, err)
	}
	return nil
}

// Respond answers an agent request with a result.
func (c *Conn) Respond(id json.RawMessage, result any) error {
	return c.write(&outResult{JSONRPC: "2.0", ID: id, Result: result})
}

// RespondError answers an agent request with an error.
func (c *Conn) RespondError(id json.RawMessage, code int, message string) error {
	return c.write(&outError{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}

// Close fails every pending call with ErrTransportClosed and releases the
// read loop from a blocked send. If the writer is an io.Closer it is closed,
// which the peer sees as end of input.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.failAll(ErrTransportClosed)
	c.quitOnce.Do(func() { close(c.quit) })
	if wc, ok := c.w.(io.Closer); ok {
		return wc.Close()
	}
	return nil
}

func (c *Conn) write(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(v)
}

// fail completes a pending call with err. It returns false if the call was
// no longer pending.
func (c *Conn) fail(id int64, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.Err = err
	call.Done <- call
	return true
}

func (c *Conn) failAll(err error) {
	c.mu.Lock()
	calls := make([]*Call, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for _, call := range calls {
		call.Err = fmt.Errorf("%s: %w", call.Method, err)
		call.Done <- call
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.inbound)
	if rc, ok := c.r.(io.Closer); ok {
		defer rc.Close()
	}

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := c.dispatch(line); err != nil {
			c.malformed.Add(1)
			c.log.Warn("skipping malformed line", "error", err, "line", truncate(line, 200))
		}
		select {
		case <-c.quit:
			c.finish(ErrTransportClosed)
			return
		default:
		}
	}

	err := c.scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.finish(err)
}

func (c *Conn) finish(cause error) {
	c.err.Store(cause)
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.failAll(ErrTransportClosed)
	c.log.Debug("read loop finished", "cause", cause)
}

func (c *Conn) dispatch(line []byte) error {
	if line[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", ErrMalformedMessage)
	}
	var msg inMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if msg.Method != "" {
		m := Message{Method: msg.Method, Params: msg.Params}
		if len(msg.ID) > 0 && string(msg.ID) != "null" {
			m.ID = msg.ID
		}
		select {
		case c.inbound <- m:
		case <-c.quit:
		}
		return nil
	}

	if len(msg.ID) == 0 {
		return fmt.Errorf("%w: neither method nor id", ErrMalformedMessage)
	}
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: response id %s", ErrMalformedMessage, msg.ID)
	}

	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: response for unknown id %d", ErrMalformedMessage, id)
	}

	if msg.Error != nil {
		call.Err = msg.Error
	} else {
		call.Result = msg.Result
	}
	call.Done <- call
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
