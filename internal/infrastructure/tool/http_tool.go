package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stepline/stepline/internal/domain/tool"
)

const (
	defaultFetchTimeout = 20 * time.Second
	maxFetchBytes       = 512 * 1024
)

type httpFetchArgs struct {
	URL            string `json:"url" jsonschema:"description=HTTP or HTTPS URL to fetch"`
	Method         string `json:"method,omitempty" jsonschema:"description=GET or HEAD (default GET)"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Abort after this many seconds (default 20)"`
	MaxBytes       int    `json:"max_bytes,omitempty" jsonschema:"description=Truncate the body after this many bytes"`
}

// HTTPFetchTool performs read-only HTTP requests.
type HTTPFetchTool struct {
	client *http.Client
}

func NewHTTPFetchTool() *HTTPFetchTool {
	return &HTTPFetchTool{client: &http.Client{}}
}

func (t *HTTPFetchTool) Name() string { return "http_fetch" }
func (t *HTTPFetchTool) Description() string {
	return "Fetch a URL over HTTP(S) and return status and body."
}
func (t *HTTPFetchTool) Schema() map[string]any    { return schemaFor(&httpFetchArgs{}) }
func (t *HTTPFetchTool) RequiresApproval() bool    { return false }
func (t *HTTPFetchTool) RiskLevel() tool.RiskLevel { return tool.RiskMedium }

func (t *HTTPFetchTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var in httpFetchArgs
	if err := decodeArgs(args, &in); err != nil {
		return tool.Fail(fmt.Sprintf("invalid arguments: %v", err), "invalid_input"), nil
	}

	parsed, err := url.Parse(in.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return tool.Fail(fmt.Sprintf("invalid url: %q (http/https only)", in.URL), "invalid_input"), nil
	}

	method := strings.ToUpper(in.Method)
	switch method {
	case "":
		method = http.MethodGet
	case http.MethodGet, http.MethodHead:
	default:
		return tool.Fail(
			fmt.Sprintf("method %s not allowed; http_fetch is read-only", method),
			"security",
		), nil
	}

	timeout := defaultFetchTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, in.URL, nil)
	if err != nil {
		return tool.Fail(fmt.Sprintf("build request: %v", err), "invalid_input"), nil
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return tool.Fail(fmt.Sprintf("request failed: %v", err), "network_error",
			"check the URL and network connectivity"), nil
	}
	defer resp.Body.Close()

	limit := in.MaxBytes
	if limit <= 0 || limit > maxFetchBytes {
		limit = maxFetchBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return tool.Fail(fmt.Sprintf("read body: %v", err), "network_error"), nil
	}
	truncated := false
	if len(body) > limit {
		body = body[:limit]
		truncated = true
	}

	data := map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
		"truncated":    truncated,
	}

	if resp.StatusCode >= 400 {
		return &tool.Result{
			Success: false,
			Error:   fmt.Sprintf("HTTP %d from %s", resp.StatusCode, parsed.Host),
			Type:    "http_status",
			Data:    data,
		}, nil
	}
	return tool.Ok(data), nil
}
