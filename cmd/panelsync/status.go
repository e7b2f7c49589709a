package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/germanamz/panelsync/pkg/httpapi"
	"github.com/germanamz/panelsync/pkg/supervisor"
	"github.com/germanamz/panelsync/pkg/transport"
)

// apiClient is the part of the HTTP client the frontends use.
type apiClient interface {
	GetJSON(ctx context.Context, path string, dest any) error
}

func newAPIClient(addr string) *transport.Client {
	return transport.New(addr, transport.Auth{}, nil)
}

// fetchStatus reads the session and devices of a running instance.
func fetchStatus(ctx context.Context, c apiClient) (supervisor.Status, []httpapi.Device, error) {
	var st supervisor.Status
	if err := c.GetJSON(ctx, "/v1/session", &st); err != nil {
		return st, nil, fmt.Errorf("session: %w", err)
	}

	var devices []httpapi.Device
	if err := c.GetJSON(ctx, "/v1/devices", &devices); err != nil {
		return st, nil, fmt.Errorf("devices: %w", err)
	}

	return st, devices, nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8650", "HTTP API of a running instance")
	plain := fs.Bool("plain", false, "print raw markdown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, devices, err := fetchStatus(ctx, newAPIClient(*addr))
	if err != nil {
		return err
	}

	md := statusMarkdown(st, devices, time.Now())
	if *plain {
		fmt.Print(md)
		return nil
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(120),
	)
	if err != nil {
		fmt.Print(md)
		return nil //nolint:nilerr // fall back to plain markdown
	}

	out, err := r.Render(md)
	if err != nil {
		return err
	}
	fmt.Print(out)

	return nil
}
