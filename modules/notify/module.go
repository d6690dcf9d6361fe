// Package notify implements the 'notify' post-action kind: it POSTs a
// JSON build summary to a webhook URL.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stagehand-ci/stagehand/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register wires the action kind into the registry.
func (Module) Register(r *registry.Registry) {
	r.RegisterAction(&Action{client: &http.Client{Timeout: 30 * time.Second}})
}

// Action delivers one notification.
type Action struct {
	client *http.Client
}

// Kind implements registry.ActionRunner.
func (*Action) Kind() string { return "notify" }

// ValidateArgs implements registry.ActionRunner.
func (*Action) ValidateArgs(args map[string]string) error {
	for name := range args {
		switch name {
		case "url", "message":
		default:
			return fmt.Errorf("unsupported argument %q", name)
		}
	}
	raw := args["url"]
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}

type payload struct {
	Job     string `json:"job"`
	Number  int64  `json:"number"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Run implements registry.ActionRunner.
func (a *Action) Run(ctx context.Context, ac *registry.ActionContext) error {
	target := ac.Args["url"]
	body, err := json.Marshal(payload{
		Job:     ac.Job,
		Number:  ac.Number,
		Status:  string(ac.Status),
		Message: ac.Args["message"],
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting to %s: unexpected status %s", target, resp.Status)
	}
	return nil
}
