package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
)

const maxWebhookResponse = 1 << 20

// WebhookOptions configures the webhook module.
type WebhookOptions struct {
	Client       *http.Client
	Timeout      time.Duration
	AllowedHosts []string // empty allows any host
	UserAgent    string
}

// Webhook posts JSON documents to external HTTP endpoints.
type Webhook struct {
	client    *http.Client
	allowed   map[string]bool
	userAgent string
}

// NewWebhook returns a webhook module.
func NewWebhook(opts WebhookOptions) *Webhook {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	w := &Webhook{client: client, userAgent: opts.UserAgent}
	if w.userAgent == "" {
		w.userAgent = "recipebus-webhook/1"
	}
	if len(opts.AllowedHosts) > 0 {
		w.allowed = make(map[string]bool, len(opts.AllowedHosts))
		for _, h := range opts.AllowedHosts {
			w.allowed[strings.ToLower(h)] = true
		}
	}
	return w
}

func (w *Webhook) ID() string { return event.ModuleWebhook }

func (w *Webhook) Descriptor() module.Descriptor {
	return module.Descriptor{
		ID: event.ModuleWebhook,
		Actions: map[string]module.ActionSpec{
			"post": {
				Description: "POST a JSON body to a URL. 4xx responses are partial, 5xx are failures.",
				Params: map[string]module.ParamSpec{
					"url":     {Type: module.ParamString, Required: true},
					"body":    {Type: module.ParamAny},
					"headers": {Type: module.ParamObject},
				},
			},
		},
		Credentials: []string{"token"},
	}
}

func (w *Webhook) HandleEvent(context.Context, *event.Event, *module.Context) (*event.Event, error) {
	return nil, nil
}

func (w *Webhook) ExecuteAction(ctx context.Context, actionID string, params map[string]interface{}, mctx *module.Context) (*module.Result, error) {
	if actionID != "post" {
		return nil, fmt.Errorf("webhook.%s: %w", actionID, module.ErrUnknownAction)
	}
	raw, _ := params["url"].(string)
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("webhook.post: invalid url %q", raw)
	}
	if w.allowed != nil && !w.allowed[strings.ToLower(target.Hostname())] {
		return nil, fmt.Errorf("webhook.post: host %q is not allowed", target.Hostname())
	}

	body, err := json.Marshal(params["body"])
	if err != nil {
		return nil, fmt.Errorf("webhook.post: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook.post: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	if headers, ok := params["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if token := mctx.Credential("token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook.post: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, fmt.Errorf("webhook.post: read response: %w", err)
	}

	out := map[string]interface{}{
		"status_code": float64(resp.StatusCode),
		"body":        decodeBody(respBody),
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("webhook.post: upstream returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return module.Partial(fmt.Sprintf("upstream returned %d", resp.StatusCode), out), nil
	}
	return module.OK(out), nil
}

// decodeBody returns the JSON-decoded body, or the raw text if it is not JSON.
func decodeBody(b []byte) interface{} {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	return v
}
