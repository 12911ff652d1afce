package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// peer is the far end of a Conn: it collects what the conn writes and writes
// lines for the conn to read.
type peer struct {
	t     *testing.T
	lines chan string
	out   *io.PipeWriter
}

func newPair(t *testing.T) (*Conn, *peer) {
	t.Helper()
	toConnR, toConnW := io.Pipe()
	fromConnR, fromConnW := io.Pipe()
	c := NewConn(toConnR, fromConnW, testLogger())
	c.Start()
	p := &peer{t: t, lines: make(chan string, 128), out: toConnW}
	go func() {
		defer close(p.lines)
		s := bufio.NewScanner(fromConnR)
		for s.Scan() {
			p.lines <- s.Text()
		}
	}()
	t.Cleanup(func() {
		toConnW.Close()
		fromConnR.Close()
		c.Close()
	})
	return c, p
}

func (p *peer) readRaw() string {
	p.t.Helper()
	select {
	case line, ok := <-p.lines:
		if !ok {
			p.t.Fatal("peer read: conn output closed")
		}
		return line
	case <-time.After(2 * time.Second):
		p.t.Fatal("peer read: timed out")
		return ""
	}
}

func (p *peer) read() map[string]any {
	p.t.Helper()
	line := p.readRaw()
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		p.t.Fatalf("peer decode %q: %v", line, err)
	}
	return m
}

func (p *peer) write(line string) {
	p.t.Helper()
	if _, err := io.WriteString(p.out, line+"\n"); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

func waitCall(t *testing.T, call *Call) *Call {
	t.Helper()
	select {
	case c := <-call.Done:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("call %s (%d) never completed", call.Method, call.ID)
		return nil
	}
}

func TestCall_Result(t *testing.T) {
	c, p := newPair(t)

	var got struct {
		SessionID string `json:"sessionId"`
	}
	errc := make(chan error, 1)
	go func() {
		errc <- c.Call(context.Background(), "session/new", map[string]any{"cwd": "/w"}, &got)
	}()

	req := p.read()
	if req["jsonrpc"] != "2.0" || req["method"] != "session/new" {
		t.Fatalf("request = %v", req)
	}
	p.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"sessionId":"s-1"}}`, req["id"]))

	if err := <-errc; err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.SessionID != "s-1" {
		t.Errorf("SessionID = %q, want %q", got.SessionID, "s-1")
	}
}

func TestCall_RPCError(t *testing.T) {
	c, p := newPair(t)

	call := c.Go("session/prompt", nil)
	req := p.read()
	if _, ok := req["params"]; ok {
		t.Errorf("nil params should be omitted, got %v", req)
	}
	p.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"error":{"code":-32602,"message":"bad"}}`, req["id"]))

	waitCall(t, call)
	var rpcErr *RPCError
	if !errors.As(call.Err, &rpcErr) {
		t.Fatalf("Err = %v, want *RPCError", call.Err)
	}
	if rpcErr.Code != CodeInvalidParams || rpcErr.Message != "bad" {
		t.Errorf("RPCError = %+v", rpcErr)
	}
}

func TestCall_OutOfOrderResponses(t *testing.T) {
	c, p := newPair(t)

	first := c.Go("a", nil)
	second := c.Go("b", nil)
	r1 := p.read()
	r2 := p.read()

	p.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":"second"}`, r2["id"]))
	p.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":"first"}`, r1["id"]))

	var s1, s2 string
	if err := waitCall(t, first).Decode(&s1); err != nil {
		t.Fatal(err)
	}
	if err := waitCall(t, second).Decode(&s2); err != nil {
		t.Fatal(err)
	}
	if s1 != "first" || s2 != "second" {
		t.Errorf("results = %q, %q; want first, second", s1, s2)
	}
}

func TestCall_ContextCancel(t *testing.T) {
	c, p := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Call(ctx, "slow", nil, nil) }()

	req := p.read()
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Call error = %v, want context.Canceled", err)
	}

	// A late reply for the abandoned id is counted as malformed, not delivered.
	p.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":null}`, req["id"]))
	p.write(`{"jsonrpc":"2.0","method":"ping"}`)
	<-c.Inbound()
	if got := c.MalformedLines(); got != 1 {
		t.Errorf("MalformedLines = %d, want 1", got)
	}
}

func TestInbound_NotificationsAndRequests(t *testing.T) {
	c, p := newPair(t)

	p.write(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s"}}`)
	p.write(`{"jsonrpc":"2.0","id":"req-7","method":"fs/read_text_file","params":{"path":"/x"}}`)
	p.write(`{"jsonrpc":"2.0","id":3,"method":"session/request_permission","params":{}}`)

	want := []struct {
		method    string
		id        string
		isRequest bool
	}{
		{"session/update", "", false},
		{"fs/read_text_file", `"req-7"`, true},
		{"session/request_permission", "3", true},
	}
	for _, w := range want {
		select {
		case m := <-c.Inbound():
			if m.Method != w.method {
				t.Errorf("Method = %q, want %q", m.Method, w.method)
			}
			if m.IsRequest() != w.isRequest {
				t.Errorf("%s IsRequest = %v, want %v", m.Method, m.IsRequest(), w.isRequest)
			}
			if string(m.ID) != w.id {
				t.Errorf("%s ID = %s, want %s", m.Method, m.ID, w.id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w.method)
		}
	}
}

func TestRespond_EchoesRawID(t *testing.T) {
	c, p := newPair(t)

	go func() {
		c.Respond(json.RawMessage(`"req-7"`), nil)
		c.RespondError(json.RawMessage(`12`), CodeMethodNotFound, "method not found: x/y")
	}()

	ok := p.readRaw()
	if ok != `{"jsonrpc":"2.0","id":"req-7","result":null}` {
		t.Errorf("Respond wrote %s", ok)
	}
	bad := p.read()
	if bad["id"] != float64(12) {
		t.Errorf("RespondError id = %v, want 12", bad["id"])
	}
	errObj, _ := bad["error"].(map[string]any)
	if errObj["code"] != float64(CodeMethodNotFound) {
		t.Errorf("RespondError error = %v", bad["error"])
	}
}

func TestMalformedLinesSkipped(t *testing.T) {
	c, p := newPair(t)

	p.write(`Agent v1.2 starting up`)
	p.write(`{"jsonrpc":"2.0","method":`)
	p.write(`{"jsonrpc":"2.0"}`)
	p.write(``)
	p.write(`{"jsonrpc":"2.0","method":"session/update","params":{}}`)

	select {
	case m := <-c.Inbound():
		if m.Method != "session/update" {
			t.Errorf("Method = %q", m.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after malformed lines was not delivered")
	}
	if got := c.MalformedLines(); got != 3 {
		t.Errorf("MalformedLines = %d, want 3", got)
	}
}

func TestEOF_FailsPendingCalls(t *testing.T) {
	c, p := newPair(t)

	var calls []*Call
	for i := 0; i < 5; i++ {
		calls = append(calls, c.Go(fmt.Sprintf("m%d", i), nil))
	}
	for range calls {
		p.read()
	}
	p.out.Close()

	for _, call := range calls {
		waitCall(t, call)
		if !errors.Is(call.Err, ErrTransportClosed) {
			t.Errorf("%s Err = %v, want ErrTransportClosed", call.Method, call.Err)
		}
	}

	select {
	case <-c.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("Closed not signalled after EOF")
	}
	if _, ok := <-c.Inbound(); ok {
		t.Error("Inbound should be closed after EOF")
	}
	if !errors.Is(c.Err(), io.EOF) {
		t.Errorf("Err = %v, want io.EOF", c.Err())
	}

	late := c.Go("after", nil)
	waitCall(t, late)
	if !errors.Is(late.Err, ErrTransportClosed) {
		t.Errorf("call after close Err = %v, want ErrTransportClosed", late.Err)
	}
}

func TestClose_FailsPendingImmediately(t *testing.T) {
	c, p := newPair(t)

	call := c.Go("session/prompt", nil)
	p.read()
	go c.Close()

	waitCall(t, call)
	if !errors.Is(call.Err, ErrTransportClosed) {
		t.Errorf("Err = %v, want ErrTransportClosed", call.Err)
	}
}

func TestConcurrentCalls(t *testing.T) {
	c, p := newPair(t)

	// Echo server: reply to every request with its own method name.
	go func() {
		for line := range p.lines {
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			if json.Unmarshal([]byte(line), &req) != nil {
				return
			}
			fmt.Fprintf(p.out, `{"jsonrpc":"2.0","id":%d,"result":%q}`+"\n", req.ID, req.Method)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			method := fmt.Sprintf("m%d", i)
			var got string
			if err := c.Call(context.Background(), method, nil, &got); err != nil {
				errs <- err
				return
			}
			if got != method {
				errs <- fmt.Errorf("got %q for %q", got, method)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending = %d after all calls returned, want 0", pending)
	}
}

func TestNotify(t *testing.T) {
	c, p := newPair(t)

	go c.Notify("session/cancel", map[string]string{"sessionId": "s"})
	line := p.readRaw()
	if strings.Contains(line, `"id"`) {
		t.Errorf("notification carries an id: %s", line)
	}
	if !strings.Contains(line, `"method":"session/cancel"`) {
		t.Errorf("notification = %s", line)
	}
}
