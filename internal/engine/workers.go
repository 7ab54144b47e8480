package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

// Worker limits.
const (
	maxThreadDelay  = 2 * time.Second
	previewLength   = 100
	httpTimeout     = 30 * time.Second
	maxHTTPBodySize = 10 << 20
)

// ErrTooSlow is reported by run_in_thread for delays above maxThreadDelay.
var ErrTooSlow = errors.New("task took too long")

// runInThread simulates slow work.
func runInThread(delay time.Duration) (any, error) {
	time.Sleep(delay)
	if delay > maxThreadDelay {
		return nil, ErrTooSlow
	}
	return map[string]any{
		"success":   true,
		"delay":     delay.Seconds(),
		"worker_id": uuid.NewString(),
		"message":   fmt.Sprintf("Task completed after %g seconds", delay.Seconds()),
	}, nil
}

// sumSquares is the CPU-bound example task.
func sumSquares(iterations int64) (any, error) {
	var total float64
	for i := int64(0); i < iterations; i++ {
		total += float64(i) * float64(i)
	}
	return map[string]any{
		"success":    true,
		"iterations": iterations,
		"result":     total,
		"worker_id":  uuid.NewString(),
	}, nil
}

// fileOperation reads a preview of path or writes a test file to it.
func fileOperation(path, op string) (any, error) {
	switch op {
	case "read":
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		if err != nil {
			return nil, err
		}
		content := preview(string(data))
		return map[string]any{
			"success":        true,
			"operation":      "read",
			"file_path":      path,
			"content_length": len(data),
			"content":        content,
		}, nil
	case "write":
		text := "Test file written from worker " + uuid.NewString()
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			return nil, err
		}
		return map[string]any{
			"success":       true,
			"operation":     "write",
			"file_path":     path,
			"bytes_written": len(text),
		}, nil
	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}
}

// preview keeps the first previewLength characters of s.
func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:previewLength]) + "..."
}

// httpGet fetches url with the given headers.
func httpGet(ctx context.Context, client *http.Client, url string, headers map[string]string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodySize))
	if err != nil {
		return nil, err
	}
	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"body":    string(body),
		"headers": respHeaders,
	}, nil
}

func (e *Engine) workerExports(x *Exports) error {
	return x.AddAll(map[string]lua.LGFunction{
		"run_in_thread": func(L *lua.LState) int {
			id := callbackID(L, 1)
			secs := float64(L.OptNumber(2, 1))
			e.Go(id, func() (any, error) {
				return runInThread(time.Duration(secs * float64(time.Second)))
			})
			return 0
		},
		"cpu_intensive_task": func(L *lua.LState) int {
			id := callbackID(L, 1)
			n := int64(L.OptInt64(2, 1000000))
			e.Go(id, func() (any, error) {
				return sumSquares(n)
			})
			return 0
		},
		"file_operation": func(L *lua.LState) int {
			id := callbackID(L, 1)
			path := L.CheckString(2)
			op := L.OptString(3, "read")
			e.Go(id, func() (any, error) {
				return fileOperation(path, op)
			})
			return 0
		},
		"http_get": func(L *lua.LState) int {
			id := callbackID(L, 1)
			url := L.CheckString(2)
			headers := make(map[string]string)
			if tbl, ok := L.Get(3).(*lua.LTable); ok {
				tbl.ForEach(func(k, v lua.LValue) {
					headers[k.String()] = v.String()
				})
			}
			e.Go(id, func() (any, error) {
				return httpGet(context.Background(), http.DefaultClient, url, headers)
			})
			return 0
		},
	})
}
