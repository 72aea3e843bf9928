package http_request

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vk/pipegrid/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct {
	// Client is used for every request; nil means a client with a 30s timeout.
	Client *http.Client
}

// Input defines the arguments for the http-request action.
type Input struct {
	URL          string            `cty:"url"`
	Method       string            `cty:"method,optional"`
	Headers      map[string]string `cty:"headers,optional"`
	Body         string            `cty:"body,optional"`
	ExpectStatus int               `cty:"expect_status,optional"`
	Timeout      string            `cty:"timeout,optional"`
}

// maxBody bounds how much of the response is echoed to the step output.
const maxBody = 4 << 10

func (m *Module) do(ctx context.Context, inv *registry.Invocation, input *Input) error {
	method := strings.ToUpper(input.Method)
	if method == "" {
		method = http.MethodGet
	}
	if input.Timeout != "" {
		d, err := time.ParseDuration(input.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", input.Timeout, err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var body io.Reader
	if input.Body != "" {
		body = strings.NewReader(input.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, input.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range input.Headers {
		req.Header.Set(k, v)
	}

	inv.Logger.Info("Making HTTP request.", "method", method, "url", inv.Redactor.String(input.URL))
	resp, err := m.client().Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	fmt.Fprintf(inv.Output, "%s %s -> %s\n", method, input.URL, resp.Status)
	if len(bodyBytes) > 0 {
		fmt.Fprintf(inv.Output, "%s\n", bodyBytes)
	}

	if input.ExpectStatus != 0 {
		if resp.StatusCode != input.ExpectStatus {
			return fmt.Errorf("unexpected status %d, want %d", resp.StatusCode, input.ExpectStatus)
		}
	} else if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status: %s", resp.Status)
	}
	return nil
}

func (m *Module) client() *http.Client {
	if m.Client != nil {
		return m.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("http-request", registry.Action(m.do))
}
