// Package socketio provides the socketio-notify action, which pushes a
// notification to a Socket.IO server and optionally waits for a reply event.
package socketio

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/vk/pipegrid/internal/registry"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const defaultTimeout = 10 * time.Second

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the socketio-notify action.
type Input struct {
	URL       string            `cty:"url"`
	Namespace string            `cty:"namespace,optional"`
	Event     string            `cty:"event"`
	Message   string            `cty:"message,optional"`
	Data      map[string]string `cty:"data,optional"`
	// ReplyEvent, when set, keeps the step running until the server emits it.
	ReplyEvent         string `cty:"reply_event,optional"`
	Timeout            string `cty:"timeout,optional"`
	InsecureSkipVerify bool   `cty:"insecure_skip_verify,optional"`
}

type opResult struct {
	reply any
	err   error
}

func notify(ctx context.Context, inv *registry.Invocation, input *Input) error {
	logger := inv.Logger.With("action", "socketio-notify", "event", input.Event)
	logger.Debug("Handler started")
	defer logger.Debug("Handler finished")

	timeout := defaultTimeout
	if input.Timeout != "" {
		d, err := time.ParseDuration(input.Timeout)
		if err != nil {
			return fmt.Errorf("failed to parse timeout: %w", err)
		}
		timeout = d
	}
	namespace := input.Namespace
	if namespace == "" {
		namespace = "/"
	}

	parsedURL, err := url.Parse(input.URL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid socket.io URL '%s'", input.URL)
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	if input.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var connected atomic.Bool
	done := make(chan opResult, 1)
	finish := func(r opResult) {
		select {
		case done <- r:
		default:
		}
	}

	payload := payloadFor(inv, input)

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace, opts)
	defer io.Disconnect()

	io.Once(types.EventName("connect"), func(...any) {
		connected.Store(true)
		logger.Info("Connected.", "namespace", namespace, "sid", io.Id())
		io.Emit(input.Event, payload)
		fmt.Fprintf(inv.Output, "emitted %s on %s%s\n", input.Event, baseURL, namespace)
		if input.ReplyEvent == "" {
			finish(opResult{})
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connection failed")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = fmt.Errorf("connection failed: %w", e)
			}
		}
		finish(opResult{err: err})
	})
	if input.ReplyEvent != "" {
		io.Once(types.EventName(input.ReplyEvent), func(args ...any) {
			var reply any
			if len(args) > 0 {
				reply = args[0]
			}
			finish(opResult{reply: reply})
		})
	}

	io.Connect()

	select {
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if connected.Load() {
			return fmt.Errorf("timed out after %v waiting for event '%s'", timeout, input.ReplyEvent)
		}
		return fmt.Errorf("timed out after %v waiting for initial connection", timeout)
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		if input.ReplyEvent != "" {
			fmt.Fprintf(inv.Output, "received %s: %v\n", input.ReplyEvent, inv.Redactor.String(fmt.Sprint(res.reply)))
		}
		return nil
	}
}

// payloadFor emits a bare message string unless data pairs are given, in which
// case the message travels under the "message" key.
func payloadFor(inv *registry.Invocation, input *Input) any {
	if len(input.Data) == 0 {
		return inv.Redactor.String(input.Message)
	}
	data := make(map[string]any, len(input.Data)+1)
	for k, v := range input.Data {
		data[k] = inv.Redactor.String(v)
	}
	if input.Message != "" {
		data["message"] = inv.Redactor.String(input.Message)
	}
	return data
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("socketio-notify", registry.Action(notify))
}
