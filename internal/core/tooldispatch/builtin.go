package tooldispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	agenterr "github.com/link-assistant/agent/internal/errors"
)

// RegisterBuiltins installs the fixed built-in tool set (bash, fs, fetch,
// http, todo), implemented as direct Tool.Run closures invoked in-process
// rather than proxied through a spawned MCP server.
func (r *Registry) RegisterBuiltins(allowedDirs []string) {
	r.Register(bashTool())
	r.Register(fsReadTool(allowedDirs))
	r.Register(fsWriteTool(allowedDirs))
	r.Register(fetchTool())
	r.Register(httpTool())

	todo := newTodoStore()
	r.Register(todoReadTool(todo))
	r.Register(todoWriteTool(todo))
}

func bashTool() *Tool {
	return &Tool{
		Name:        "bash",
		Description: "Run a shell command in the session workspace and return its combined stdout/stderr.",
		Deadline:    2 * time.Minute,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		},
		Run: func(ctx Context, inputJSON string) Result {
			var in struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			if in.Command == "" {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: "command must not be empty"}
			}

			cmd := exec.CommandContext(ctx, "/bin/sh", "-c", in.Command)
			if ctx.Workspace != "" {
				cmd.Dir = ctx.Workspace
			}
			var out strings.Builder
			cmd.Stdout = &out
			cmd.Stderr = &out
			err := cmd.Run()
			if err != nil {
				if ctx.Err() != nil {
					return Result{ErrorKind: string(agenterr.KindToolTimeout), Message: ctx.Err().Error()}
				}
				return Result{OK: true, Value: map[string]any{"output": out.String(), "error": err.Error()}}
			}
			return Result{OK: true, Value: map[string]any{"output": out.String()}}
		},
	}
}

func resolveInDirs(allowedDirs []string, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if len(allowedDirs) == 0 {
		return abs, nil
	}
	for _, dir := range allowedDirs {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if abs == absDir || strings.HasPrefix(abs, absDir+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the allowed directories", path)
}

func fsReadTool(allowedDirs []string) *Tool {
	return &Tool{
		Name:        "fs_read",
		Description: "Read a UTF-8 text file from an allowed directory.",
		Deadline:    30 * time.Second,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
		Run: func(ctx Context, inputJSON string) Result {
			var in struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			abs, err := resolveInDirs(allowedDirs, in.Path)
			if err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			return Result{OK: true, Value: string(data)}
		},
	}
}

func fsWriteTool(allowedDirs []string) *Tool {
	return &Tool{
		Name:        "fs_write",
		Description: "Write a UTF-8 text file to an allowed directory, creating parent directories as needed.",
		Deadline:    30 * time.Second,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
		Run: func(ctx Context, inputJSON string) Result {
			var in struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			abs, err := resolveInDirs(allowedDirs, in.Path)
			if err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			if err := os.WriteFile(abs, []byte(in.Content), 0o644); err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			return Result{OK: true, Value: map[string]any{"bytesWritten": len(in.Content)}}
		},
	}
}

func fetchTool() *Tool {
	client := &http.Client{Timeout: 20 * time.Second}
	return &Tool{
		Name:        "fetch",
		Description: "Fetch a URL with GET and return its status and body, truncated to 1MB.",
		Deadline:    30 * time.Second,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"url": map[string]any{"type": "string"}},
			"required":   []string{"url"},
		},
		Run: func(ctx Context, inputJSON string) Result {
			var in struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
			if err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			resp, err := client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return Result{ErrorKind: string(agenterr.KindToolTimeout), Message: ctx.Err().Error()}
				}
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			text := string(body)
			if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
				if converted, convErr := md.NewConverter("", true, nil).ConvertString(text); convErr == nil {
					text = converted
				}
			}
			return Result{OK: true, Value: map[string]any{"status": resp.StatusCode, "body": text}}
		},
	}
}

func httpTool() *Tool {
	client := &http.Client{Timeout: 20 * time.Second}
	return &Tool{
		Name:        "http",
		Description: "Issue an HTTP request with an arbitrary method, headers and body.",
		Deadline:    30 * time.Second,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"method":  map[string]any{"type": "string"},
				"url":     map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string"},
				"headers": map[string]any{"type": "object"},
			},
			"required": []string{"method", "url"},
		},
		Run: func(ctx Context, inputJSON string) Result {
			var in struct {
				Method  string            `json:"method"`
				URL     string            `json:"url"`
				Body    string            `json:"body"`
				Headers map[string]string `json:"headers"`
			}
			if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			var body io.Reader
			if in.Body != "" {
				body = strings.NewReader(in.Body)
			}
			req, err := http.NewRequestWithContext(ctx, strings.ToUpper(in.Method), in.URL, body)
			if err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			for k, v := range in.Headers {
				req.Header.Set(k, v)
			}
			resp, err := client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return Result{ErrorKind: string(agenterr.KindToolTimeout), Message: ctx.Err().Error()}
				}
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			defer resp.Body.Close()
			respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			return Result{OK: true, Value: map[string]any{"status": resp.StatusCode, "body": string(respBody)}}
		},
	}
}

// todoItem is one tracked task (id/content/status).
type todoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// todoStore is process-lifetime and scoped by session id; it is not
// persisted to disk.
type todoStore struct {
	mu    sync.Mutex
	lists map[string][]todoItem
}

func newTodoStore() *todoStore {
	return &todoStore{lists: make(map[string][]todoItem)}
}

func todoReadTool(store *todoStore) *Tool {
	return &Tool{
		Name:        "todo_read",
		Description: "List the current session's todo items.",
		Deadline:    5 * time.Second,
		InputSchema: map[string]any{"type": "object"},
		Run: func(ctx Context, inputJSON string) Result {
			store.mu.Lock()
			defer store.mu.Unlock()
			return Result{OK: true, Value: store.lists[ctx.SessionID]}
		},
	}
}

func todoWriteTool(store *todoStore) *Tool {
	return &Tool{
		Name:        "todo_write",
		Description: "Replace the current session's todo list.",
		Deadline:    5 * time.Second,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"todos": map[string]any{"type": "array"}},
			"required":   []string{"todos"},
		},
		Run: func(ctx Context, inputJSON string) Result {
			var in struct {
				Todos []todoItem `json:"todos"`
			}
			if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
				return Result{ErrorKind: string(agenterr.KindToolFailure), Message: err.Error()}
			}
			store.mu.Lock()
			store.lists[ctx.SessionID] = in.Todos
			store.mu.Unlock()
			return Result{OK: true, Value: map[string]any{"count": len(in.Todos)}}
		},
	}
}
