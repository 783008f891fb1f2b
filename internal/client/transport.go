package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rzbill/pollbus/internal/wire"
)

// PollRequest is one long-poll round trip.
type PollRequest struct {
	BaseURL   string
	ClientID  string
	Positions map[string]int64
	// DisableLongPoll asks the server to answer at once (dlp=t).
	DisableLongPoll bool
	// BypassWorker asks a shared proxy to pass the request through (worker=f).
	BypassWorker bool
	// SharedSessionKey is sent as X-Shared-Session-Key when set.
	SharedSessionKey string
}

// URL renders the poll URL for r.
func (r PollRequest) URL() string {
	base := r.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	var q []string
	if r.DisableLongPoll {
		q = append(q, "dlp=t")
	}
	if r.BypassWorker {
		q = append(q, "worker=f")
	}
	u := base + "message-bus/" + url.PathEscape(r.ClientID) + "/poll"
	if len(q) > 0 {
		u += "?" + strings.Join(q, "&")
	}
	return u
}

// Transport performs poll requests.
//
// A transport may return messages together with an error, for example the
// worker-broken entry carried by a 504 from a proxy. Callers process the
// messages and still count the failure.
type Transport interface {
	Poll(ctx context.Context, req PollRequest) ([]wire.Message, error)
}

// StatusError is returned for non-200 poll responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("poll: status %d: %s", e.Code, e.Body)
}

// HTTPTransport polls over HTTP.
type HTTPTransport struct {
	Client *http.Client
	// Header is added to every request.
	Header http.Header
}

func (t *HTTPTransport) httpClient() *http.Client {
	if t != nil && t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

// Poll implements Transport.
func (t *HTTPTransport) Poll(ctx context.Context, req PollRequest) ([]wire.Message, error) {
	body := wire.EncodePositions(req.Positions)
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL(), strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	if t != nil {
		for k, vs := range t.Header {
			for _, v := range vs {
				hr.Header.Add(k, v)
			}
		}
	}
	hr.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	hr.Header.Set("X-Silence-Logger", "true")
	if req.SharedSessionKey != "" {
		hr.Header.Set("X-Shared-Session-Key", req.SharedSessionKey)
	}

	resp, err := t.httpClient().Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var msgs []wire.Message
	decodeErr := json.Unmarshal(bytes.TrimSpace(raw), &msgs)
	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{Code: resp.StatusCode, Body: string(raw)}
		if decodeErr == nil {
			return msgs, serr
		}
		return nil, serr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("poll: decode response: %w", decodeErr)
	}
	return msgs, nil
}
