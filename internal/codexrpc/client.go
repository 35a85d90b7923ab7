// Package codexrpc is a line-delimited JSON-RPC 2.0 client for a locally
// spawned codex app-server. The client plays both roles: it issues requests
// to the child and answers the child's own requests (approval prompts,
// token-refresh prompts) through a pluggable handler.
package codexrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// BinEnvVar names the environment variable overriding the child executable.
const BinEnvVar = "ECLIA_CODEX_BIN"

const stderrTailLines = 50

// unsupportedServerRequestCode is the JSON-RPC error code for child requests
// the handler does not recognize.
const unsupportedServerRequestCode = -32000

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// envelope is a JSON-RPC 2.0 message of any role.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// ServerHandler answers inbound requests from the child. Returning an error
// sends a JSON-RPC error response.
type ServerHandler func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// NotificationFunc observes every inbound notification.
type NotificationFunc func(method string, params json.RawMessage)

type notifWaiter struct {
	method    string
	predicate func(params json.RawMessage) bool
	ch        chan json.RawMessage
}

// Client owns one codex app-server child process.
type Client struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	seq   atomic.Int64

	// OnNotification, if set before Start, observes inbound notifications.
	OnNotification NotificationFunc
	// Handler answers the child's requests. Unset or unrecognized methods
	// get the unsupported-server-request error.
	Handler ServerHandler

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[int64]chan *envelope
	waiters     []*notifWaiter
	stderrTail  []string
	stdoutNoise []string
	exitErr     error

	exited chan struct{}
}

// Bin resolves the child executable path.
func Bin() string {
	if bin := os.Getenv(BinEnvVar); bin != "" {
		return bin
	}
	return "codex"
}

// Spawn starts the app-server child and begins reading its streams.
func Spawn(args ...string) (*Client, error) {
	cmd := exec.Command(Bin(), args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", Bin(), err)
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *envelope),
		exited:  make(chan struct{}),
	}
	go c.readStdout(stdout)
	go c.readStderr(stderr)
	go c.waitExit()
	return c, nil
}

func (c *Client) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil || env.JSONRPC != "2.0" {
			c.mu.Lock()
			c.stdoutNoise = append(c.stdoutNoise, line)
			c.mu.Unlock()
			continue
		}
		c.route(&env)
	}
}

func (c *Client) route(env *envelope) {
	switch {
	case env.Method != "" && env.ID != nil:
		go c.serveRequest(env)
	case env.Method != "":
		c.deliverNotification(env)
	case env.ID != nil:
		c.mu.Lock()
		ch := c.pending[*env.ID]
		delete(c.pending, *env.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- env
		}
	}
}

// serveRequest runs the server role for one inbound request.
func (c *Client) serveRequest(env *envelope) {
	var result interface{}
	var rpcErr *RPCError

	if c.Handler != nil {
		res, err := c.Handler(context.Background(), env.Method, env.Params)
		switch {
		case err == nil:
			result = res
		default:
			rpcErr = &RPCError{Code: unsupportedServerRequestCode, Message: err.Error()}
		}
	} else {
		rpcErr = &RPCError{Code: unsupportedServerRequestCode, Message: "Unsupported server request"}
	}

	resp := envelope{JSONRPC: "2.0", ID: env.ID, Error: rpcErr}
	if rpcErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: unsupportedServerRequestCode, Message: err.Error()}
		} else {
			resp.Result = data
		}
	}
	if err := c.writeLine(&resp); err != nil {
		log.Warn().Err(err).Str("method", env.Method).Msg("failed to answer app-server request")
	}
}

func (c *Client) deliverNotification(env *envelope) {
	if c.OnNotification != nil {
		c.OnNotification(env.Method, env.Params)
	}

	c.mu.Lock()
	var kept []*notifWaiter
	var fired []*notifWaiter
	for _, w := range c.waiters {
		if w.method == env.Method && (w.predicate == nil || w.predicate(env.Params)) {
			fired = append(fired, w)
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	c.mu.Unlock()

	for _, w := range fired {
		w.ch <- env.Params
	}
}

func (c *Client) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.mu.Lock()
		c.stderrTail = append(c.stderrTail, scanner.Text())
		if len(c.stderrTail) > stderrTailLines {
			c.stderrTail = c.stderrTail[len(c.stderrTail)-stderrTailLines:]
		}
		c.mu.Unlock()
	}
}

func (c *Client) waitExit() {
	err := c.cmd.Wait()

	c.mu.Lock()
	c.exitErr = c.exitDiagnostic(err)
	pending := c.pending
	c.pending = make(map[int64]chan *envelope)
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	close(c.exited)
	for _, ch := range pending {
		ch <- nil
	}
	for _, w := range waiters {
		close(w.ch)
	}
}

// exitDiagnostic assembles the failure message for an exited child. Must be
// called with c.mu held.
func (c *Client) exitDiagnostic(waitErr error) error {
	var b strings.Builder
	fmt.Fprintf(&b, "codex app-server exited")
	if waitErr != nil {
		fmt.Fprintf(&b, ": %v", waitErr)
	} else {
		b.WriteString(" with code 0 (wrong binary or too-old CLI?)")
	}
	if len(c.stdoutNoise) > 0 {
		fmt.Fprintf(&b, "\nnon-JSON stdout:\n%s", strings.Join(c.stdoutNoise, "\n"))
	}
	if len(c.stderrTail) > 0 {
		fmt.Fprintf(&b, "\nstderr:\n%s", strings.Join(c.stderrTail, "\n"))
	}
	return errors.New(b.String())
}

// Request issues a request and waits for its response, the context, or
// child exit.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.seq.Add(1)
	env := envelope{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		env.Params = data
	}

	ch := make(chan *envelope, 1)
	c.mu.Lock()
	if c.exitErr != nil {
		err := c.exitErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeLine(&env); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			c.mu.Lock()
			err := c.exitErr
			c.mu.Unlock()
			return nil, err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	env := envelope{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		env.Params = data
	}
	return c.writeLine(&env)
}

// WaitNotification blocks until a notification with the given method and a
// true predicate arrives, the timeout trips, or the child exits.
func (c *Client) WaitNotification(ctx context.Context, method string, predicate func(json.RawMessage) bool, timeout time.Duration) (json.RawMessage, error) {
	w := &notifWaiter{method: method, predicate: predicate, ch: make(chan json.RawMessage, 1)}

	c.mu.Lock()
	if c.exitErr != nil {
		err := c.exitErr
		c.mu.Unlock()
		return nil, err
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case params, ok := <-w.ch:
		if !ok {
			c.mu.Lock()
			err := c.exitErr
			c.mu.Unlock()
			return nil, err
		}
		return params, nil
	case <-timer.C:
		c.removeWaiter(w)
		return nil, fmt.Errorf("timed out waiting for %s after %s", method, timeout)
	case <-ctx.Done():
		c.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (c *Client) removeWaiter(w *notifWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) writeLine(env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to app-server: %w", err)
	}
	return nil
}

// Exited returns a channel closed when the child exits.
func (c *Client) Exited() <-chan struct{} { return c.exited }

// Close tears the child down: stdin closes, the process is killed, and all
// pending requests and waiters fail.
func (c *Client) Close() error {
	c.stdin.Close()
	select {
	case <-c.exited:
		return nil
	default:
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.exited
	return nil
}
