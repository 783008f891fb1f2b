package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// resolveURL returns the --url flag when set, else the configured base URL,
// always with a trailing slash.
func resolveURL(cmd *cobra.Command, baseURL BaseURLFunc) string {
	u, _ := cmd.Flags().GetString("url")
	if u == "" {
		u = baseURL()
	}
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u
}

// doJSON sends body as JSON and returns the response status and body.
func doJSON(ctx context.Context, method, url string, body any) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

func statusError(code int, body []byte) error {
	return fmt.Errorf("server returned %d: %s", code, strings.TrimSpace(string(body)))
}

// splitCSV splits a comma separated flag value, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// payload turns --data into JSON. Text that is not valid JSON is sent as a
// JSON string.
func payload(data string) json.RawMessage {
	if data == "" {
		return json.RawMessage("null")
	}
	if json.Valid([]byte(data)) {
		return json.RawMessage(data)
	}
	b, _ := json.Marshal(data)
	return b
}
