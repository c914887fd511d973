// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// defaultHTTPClient is the package-level HTTP client used by gateway
// commands. Overridden in tests via httptest. The long timeout covers
// streamed turns.
var defaultHTTPClient = &http.Client{
	Timeout: 10 * time.Minute,
}

// gatewayClient provides HTTP access to a running talon gateway.
type gatewayClient struct {
	baseURL string
	http    *http.Client
}

func newGatewayClient(addr string) *gatewayClient {
	return &gatewayClient{
		baseURL: "http://" + addr,
		http:    defaultHTTPClient,
	}
}

// getJSON performs a GET request and decodes the JSON response into
// dest.
func (c *gatewayClient) getJSON(path string, dest any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return wrapDialError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, dest)
}

// postJSON performs a POST request with a JSON body and decodes the
// response into dest. A nil body sends an empty request.
func (c *gatewayClient) postJSON(path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return talonerr.Wrap(err, talonerr.CodeCLIInputInvalid, "encoding request")
		}
		reader = bytes.NewReader(raw)
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", reader)
	if err != nil {
		return wrapDialError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, dest)
}

func decodeResponse(resp *http.Response, dest any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return talonerr.Errorf(talonerr.CodeCLIRequestFailure,
			"gateway returned status %d: %s", resp.StatusCode, string(body))
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return talonerr.Wrap(err, talonerr.CodeCLIRequestFailure, "invalid response")
	}
	return nil
}

func wrapDialError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "read") {
		return talonerr.New(talonerr.CodeCLIGatewayNotRunning,
			"gateway is not running (connection refused); start it with `talon start`")
	}
	return talonerr.Wrap(err, talonerr.CodeCLIRequestFailure, "request failed")
}
