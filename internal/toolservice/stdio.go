package toolservice

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Transport carries JSON-RPC traffic to a plugin server.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notifications() <-chan *jsonRPCNotification
	Connected() bool
}

// StdioConfig configures a plugin subprocess transport.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	// CallTimeout bounds one request/response round trip. Default 30s.
	CallTimeout time.Duration
}

// StdioTransport launches the plugin as a long-lived subprocess and speaks
// newline-delimited JSON-RPC 2.0 over its stdin/stdout. Server-initiated
// notifications stream intermediate events.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser
	writeMu sync.Mutex

	pending   map[int64]chan *jsonRPCResponse
	pendingMu sync.Mutex
	notifs    chan *jsonRPCNotification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a transport for the given plugin command.
func NewStdioTransport(cfg StdioConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:   cfg,
		logger:   logger.With("plugin", cfg.Command),
		pending:  make(map[int64]chan *jsonRPCResponse),
		notifs:   make(chan *jsonRPCNotification, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect starts the subprocess and the reader loop.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("plugin command is required")
	}

	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)
	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start plugin: %w", err)
	}
	t.connected.Store(true)
	t.logger.Info("started plugin process", "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()
	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}
	return nil
}

// Close kills the subprocess and stops the loops.
func (t *StdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		_ = t.process.Process.Kill()
	}
	t.wg.Wait()
	return nil
}

// Connected reports whether the subprocess is alive.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// Notifications returns the stream of server-initiated notifications.
func (t *StdioTransport) Notifications() <-chan *jsonRPCNotification {
	return t.notifs
}

// Call sends one request and waits for its response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("plugin transport not connected")
	}

	id := t.nextID.Add(1)
	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respChan := make(chan *jsonRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	t.writeMu.Lock()
	_, err := t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("plugin error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("plugin call %q timed out after %v", method, timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("plugin transport closed")
	}
}

// readLoop owns t.notifs: closing it here lets notification consumers
// (ranging over Notifications) exit once the subprocess is gone.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)
	defer close(t.notifs)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}
	if err := t.stdout.Err(); err != nil {
		t.logger.Error("plugin stdout scanner error", "error", err)
	}
}

func (t *StdioTransport) processLine(line string) {
	var resp jsonRPCResponse
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		t.pendingMu.Lock()
		waiting, ok := t.pending[*resp.ID]
		t.pendingMu.Unlock()
		if ok {
			waiting <- &resp
		}
		return
	}

	var notif jsonRPCNotification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		select {
		case t.notifs <- &notif:
		default:
			t.logger.Warn("dropping plugin notification, channel full", "method", notif.Method)
		}
		return
	}

	t.logger.Warn("unparseable plugin output", "line", truncate(line, 200))
}

func (t *StdioTransport) logStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.logger.Debug("plugin stderr", "line", scanner.Text())
	}
}
