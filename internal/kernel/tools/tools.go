// Package tools implements the Action Kernel's built-in ToolHost: the
// fs.*, net.http.* and proc.spawn action kinds, confined to a state
// directory and fronted by a posture-aware egress gate.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentrt/agentd/internal/fsutil"
	"github.com/agentrt/agentd/internal/platform/httpx"
	"github.com/agentrt/agentd/internal/procgroup"
)

// ErrUnknownKind is returned by Execute for an action kind Host has no
// handler for.
var ErrUnknownKind = errors.New("tools: unknown action kind")

const (
	KindFSRead    = "fs.read"
	KindFSWrite   = "fs.write"
	KindFSDelete  = "fs.delete"
	KindHTTPFetch = "net.http.fetch"
	KindHTTPPost  = "net.http.post"
	KindProcSpawn = "proc.spawn"

	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20 // 1 MiB cap on the response body read
	procSpawnTimeout   = 30 * time.Second
	procGrace          = 3 * time.Second
	procKill           = 2 * time.Second
)

// Host implements actions.ToolHost against the confined state directory
// and a hardened HTTP client, the way the worker package's egress-gating
// contract expects.
type Host struct {
	Root   string
	Client *http.Client
}

// NewHost constructs a Host confined to root (spec.md's ARW_STATE_DIR).
func NewHost(root string) *Host {
	return &Host{Root: root, Client: httpx.NewClient(defaultHTTPTimeout)}
}

// DeclaresNetwork reports whether kind performs network egress.
func (h *Host) DeclaresNetwork(kind string) bool {
	return kind == KindHTTPFetch || kind == KindHTTPPost
}

// Execute dispatches kind against input, returning the tool's JSON result.
func (h *Host) Execute(ctx context.Context, kind string, input json.RawMessage) (json.RawMessage, error) {
	switch kind {
	case KindFSRead:
		return h.fsRead(input)
	case KindFSWrite:
		return h.fsWrite(input)
	case KindFSDelete:
		return h.fsDelete(input)
	case KindHTTPFetch:
		return h.httpFetch(ctx, input)
	case KindHTTPPost:
		return h.httpPost(ctx, input)
	case KindProcSpawn:
		return h.procSpawn(ctx, input)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

type fsPathInput struct {
	Path string `json:"path"`
}

func (h *Host) fsRead(input json.RawMessage) (json.RawMessage, error) {
	var in fsPathInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("fs.read: %w", err)
	}
	abs, err := fsutil.ConfineRelPath(h.Root, in.Path)
	if err != nil {
		return nil, fmt.Errorf("fs.read: %w", err)
	}
	if err := fsutil.IsRegularFile(abs); err != nil {
		return nil, fmt.Errorf("fs.read: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("fs.read: %w", err)
	}
	return json.Marshal(map[string]any{"path": in.Path, "content": string(data), "bytes": len(data)})
}

type fsWriteInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append,omitempty"`
}

func (h *Host) fsWrite(input json.RawMessage) (json.RawMessage, error) {
	var in fsWriteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("fs.write: %w", err)
	}
	abs, err := fsutil.ConfineRelPath(h.Root, in.Path)
	if err != nil {
		return nil, fmt.Errorf("fs.write: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("fs.write: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if in.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fs.write: %w", err)
	}
	defer f.Close()
	n, err := f.WriteString(in.Content)
	if err != nil {
		return nil, fmt.Errorf("fs.write: %w", err)
	}
	return json.Marshal(map[string]any{"path": in.Path, "bytes_written": n})
}

func (h *Host) fsDelete(input json.RawMessage) (json.RawMessage, error) {
	var in fsPathInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("fs.delete: %w", err)
	}
	abs, err := fsutil.ConfineRelPath(h.Root, in.Path)
	if err != nil {
		return nil, fmt.Errorf("fs.delete: %w", err)
	}
	if err := os.Remove(abs); err != nil {
		return nil, fmt.Errorf("fs.delete: %w", err)
	}
	return json.Marshal(map[string]any{"path": in.Path, "deleted": true})
}

type httpInput struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (h *Host) httpFetch(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in httpInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("net.http.fetch: %w", err)
	}
	return h.doHTTP(ctx, http.MethodGet, in)
}

func (h *Host) httpPost(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in httpInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("net.http.post: %w", err)
	}
	return h.doHTTP(ctx, http.MethodPost, in)
}

func (h *Host) doHTTP(ctx context.Context, method string, in httpInput) (json.RawMessage, error) {
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		return nil, fmt.Errorf("net.http: url must be absolute http(s): %q", in.URL)
	}
	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("net.http: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("net.http: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("net.http: reading response: %w", err)
	}
	return json.Marshal(map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	})
}

type procSpawnInput struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

func (h *Host) procSpawn(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in procSpawnInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("proc.spawn: %w", err)
	}
	if strings.TrimSpace(in.Command) == "" {
		return nil, errors.New("proc.spawn: command required")
	}

	runCtx, cancel := context.WithTimeout(ctx, procSpawnTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, in.Command, in.Args...)
	cmd.Dir = h.Root
	procgroup.Set(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if cmd.Process != nil && runCtx.Err() != nil {
		_ = procgroup.KillGroup(cmd.Process.Pid, procGrace, procKill)
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("proc.spawn: %w", runErr)
		}
	}

	return json.Marshal(map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	})
}
