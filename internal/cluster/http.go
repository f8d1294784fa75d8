package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ClusterIDHeader carries the coordinator's cluster identity on every
// push so that a server never applies updates from a coordinator of a
// different cluster (e.g. a stale test deployment on a reused port).
const ClusterIDHeader = "X-Corral-Cluster-Id"

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned by PostJSON and GetJSON when the remote side
// answered with a non-2xx status. Callers that care about the exact
// status (e.g. to distinguish "gone" from "overloaded") unwrap it with
// errors.As.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// PostJSON sends body as JSON to url and decodes the response into out
// (out may be nil when the response body is irrelevant). Extra headers
// are applied to the request.
func PostJSON(ctx context.Context, url string, body any, out any, headers map[string]string) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
