package nodes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wehubfusion/Daedalus/internal/xjson"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

const maxResponseBytes = 32 << 20

// Credential types understood by the HTTP request node.
const (
	CredentialBasicAuth  = "httpBasicAuth"
	CredentialHeaderAuth = "httpHeaderAuth"
	CredentialBearerAuth = "httpBearerAuth"
)

// httpRequest sends one request per input item.
//
// Parameters: method, url, headers, query, body, timeout (ms), responseFormat
// (auto|json|text), fullResponse, authentication (credential type),
// rateLimit (requests per second) and rateBurst.
type httpRequest struct {
	client   *http.Client
	breakers *concurrency.BreakerSet
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	sweepAt  int
}

// minLimiterSweep is the limiter count at which idle limiters are first pruned.
const minLimiterSweep = 256

func newHTTPRequest(client *http.Client, breakers *concurrency.BreakerSet, logger *zap.Logger) *httpRequest {
	return &httpRequest{
		client:   client,
		breakers: breakers,
		logger:   logger.Named("http-node"),
		limiters: make(map[string]*rate.Limiter),
		sweepAt:  minLimiterSweep,
	}
}

func (h *httpRequest) Execute(ctx context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	items := mainItems(nc, input)
	if len(items) == 0 {
		items = []workflow.Item{node.EmptyItem()}
	}
	limiter := h.limiter(nc)

	var out []workflow.Item
	for _, item := range items {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		produced, err := h.do(ctx, nc, item)
		if err != nil {
			return nil, err
		}
		out = append(out, produced...)
	}
	return workflow.NodeOutput{workflow.DefaultPin: out}, nil
}

// limiter returns the per-node limiter, created on first use. A zero
// rateLimit disables limiting.
func (h *httpRequest) limiter(nc *node.Context) *rate.Limiter {
	rps := nc.NumberParameter("rateLimit", 0, 0)
	if rps <= 0 {
		return nil
	}
	burst := int(nc.NumberParameter("rateBurst", 0, 1))
	if burst < 1 {
		burst = 1
	}
	key := nc.WorkflowID() + "/" + nc.Node().ID

	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[key]
	if !ok || l.Limit() != rate.Limit(rps) || l.Burst() != burst {
		l = rate.NewLimiter(rate.Limit(rps), burst)
		h.limiters[key] = l
		if len(h.limiters) >= h.sweepAt {
			h.sweepLocked(time.Now(), key)
		}
	}
	return l
}

// sweepLocked drops limiters whose bucket has refilled. Such a limiter
// behaves exactly like a new one, so dropping it changes no rate decision.
func (h *httpRequest) sweepLocked(now time.Time, keep string) {
	for k, l := range h.limiters {
		if k != keep && l.TokensAt(now) >= float64(l.Burst()) {
			delete(h.limiters, k)
		}
	}
	h.sweepAt = 2 * len(h.limiters)
	if h.sweepAt < minLimiterSweep {
		h.sweepAt = minLimiterSweep
	}
}

func (h *httpRequest) do(ctx context.Context, nc *node.Context, item workflow.Item) ([]workflow.Item, error) {
	rawURL := stringAgainst(nc, "url", item, "")
	if rawURL == "" {
		return nil, errors.NewValidationError("httpRequest: url is required", nil)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, errors.NewValidationError("httpRequest: invalid url "+rawURL, err)
	}
	if query := resolveAgainst(nc, "query", item); query.Kind() == value.KindMap {
		q := u.Query()
		for _, k := range query.Keys() {
			v, _ := query.Get(k)
			q.Set(k, v.String())
		}
		u.RawQuery = q.Encode()
	}

	method := strings.ToUpper(stringAgainst(nc, "method", item, http.MethodGet))

	var body io.Reader
	contentType := ""
	if b := resolveAgainst(nc, "body", item); !b.IsNull() {
		if s, ok := b.AsString(); ok {
			body = strings.NewReader(s)
			contentType = "text/plain; charset=utf-8"
		} else {
			data, err := xjson.Marshal(b)
			if err != nil {
				return nil, errors.NewValidationError("httpRequest: body is not serializable", err)
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	if ms := nc.NumberParameter("timeout", 0, 0); ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.NewValidationError("httpRequest: cannot build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers := resolveAgainst(nc, "headers", item); headers.Kind() == value.KindMap {
		for _, k := range headers.Keys() {
			v, _ := headers.Get(k)
			req.Header.Set(k, v.String())
		}
	}
	if err := h.authenticate(ctx, nc, req); err != nil {
		return nil, err
	}

	breaker := h.breakers.Get(u.Host)
	if err := breaker.Allow(); err != nil {
		return nil, errors.NewRetryableError(nc.Node().ID, "circuit open for "+u.Host, err)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		breaker.RecordFailure()
		return nil, fmt.Errorf("http %s %s: %w", method, u.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		breaker.RecordFailure()
		return nil, fmt.Errorf("http %s %s: reading body: %w", method, u.Redacted(), err)
	}

	nc.Logger().Debug("http request finished",
		zap.String("method", method),
		zap.String("host", u.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 500 {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	if resp.StatusCode >= 400 {
		return nil, &errors.StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: truncate(string(data), 512)}
	}

	parsed, isJSON := parseBody(data, resp.Header.Get("Content-Type"), nc.StringParameter("responseFormat", 0, "auto"))
	if nc.BoolParameter("fullResponse", 0, false) {
		headers := value.EmptyMap()
		for k := range resp.Header {
			headers = headers.With(strings.ToLower(k), value.String(resp.Header.Get(k)))
		}
		return []workflow.Item{{Payload: value.Map(map[string]value.Value{
			"statusCode": value.Int(resp.StatusCode),
			"headers":    headers,
			"body":       parsed,
		})}}, nil
	}
	if !isJSON {
		return []workflow.Item{{Payload: value.Map(map[string]value.Value{"data": parsed})}}, nil
	}
	if parsed.Kind() == value.KindList {
		return node.WrapAll(mustList(parsed)), nil
	}
	return []workflow.Item{{Payload: parsed}}, nil
}

func (h *httpRequest) authenticate(ctx context.Context, nc *node.Context, req *http.Request) error {
	credType := nc.StringParameter("authentication", 0, "")
	if credType == "" || credType == "none" {
		return nil
	}
	creds, err := nc.GetCredentials(ctx, credType)
	if err != nil {
		return err
	}
	switch credType {
	case CredentialBasicAuth:
		req.SetBasicAuth(creds["user"], creds["password"])
	case CredentialHeaderAuth:
		if creds["name"] == "" {
			return errors.NewCredentialError(credType, "header name is empty", nil)
		}
		req.Header.Set(creds["name"], creds["value"])
	case CredentialBearerAuth:
		req.Header.Set("Authorization", "Bearer "+creds["token"])
	default:
		return errors.NewCredentialError(credType, "unsupported authentication type", nil)
	}
	return nil
}

// parseBody decodes JSON when the format or content type asks for it.
func parseBody(data []byte, contentType, format string) (value.Value, bool) {
	wantJSON := format == "json" || (format == "auto" && strings.Contains(contentType, "json"))
	if wantJSON && len(bytes.TrimSpace(data)) > 0 {
		if v, err := value.Parse(data); err == nil {
			return v, true
		}
	}
	return value.String(string(data)), false
}

func mustList(v value.Value) []value.Value {
	l, _ := v.AsList()
	return l
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
