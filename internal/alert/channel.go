package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	"signalbridge/internal/model"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Channel delivers one notification. Implementations must be safe to
// call from multiple goroutines.
type Channel interface {
	Name() string
	Send(ctx context.Context, sig model.Signal) error
}

// LogChannel writes the alert to the structured log. It never fails,
// which makes it the baseline channel every deployment keeps on.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(_ context.Context, sig model.Signal) error {
	logs.Infof("SIGNAL %s", sig)
	return nil
}

// CommandChannel shells out to a notifier binary, covering both
// desktop popups and sound playback. The signal text is appended as
// the final argument.
type CommandChannel struct {
	Label string
	Cmd   string
	Args  []string
	// AppendSignal controls whether the rendered signal is passed as a
	// trailing argument; sound players take a fixed file instead.
	AppendSignal bool
}

func (c CommandChannel) Name() string { return c.Label }

func (c CommandChannel) Send(ctx context.Context, sig model.Signal) error {
	args := c.Args
	if c.AppendSignal {
		args = append(append([]string{}, c.Args...), sig.String())
	}
	if err := exec.CommandContext(ctx, c.Cmd, args...).Run(); err != nil {
		return errors.Wrap(err, "run notifier").With("cmd", c.Cmd)
	}
	return nil
}

// WebhookChannel posts the alert as JSON to an HTTP endpoint.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (*WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	Type       string             `json:"type"`
	Symbol     string             `json:"symbol"`
	Price      float64            `json:"price"`
	Timestamp  string             `json:"timestamp"`
	Strategy   string             `json:"strategy"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

func (c *WebhookChannel) Send(ctx context.Context, sig model.Signal) error {
	body, err := json.Marshal(webhookPayload{
		Type:       sig.Type.String(),
		Symbol:     sig.Symbol,
		Price:      sig.Price,
		Timestamp:  sig.Timestamp.Format(time.RFC3339),
		Strategy:   sig.Strategy,
		Indicators: sig.Indicators,
	})
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return errors.New(fmt.Sprintf("webhook returned %s", resp.Status))
	}
	return nil
}
