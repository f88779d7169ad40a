// Copyright 2025 The cc4me-network Authors
// This file is part of the cc4me-network library.
//
// The cc4me-network library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cc4me-network library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cc4me-network library. If not, see <http://www.gnu.org/licenses/>.

// Package relayclient talks to a community relay over its signed HTTP
// API. One Client serves one relay endpoint; failover between relays is
// the community manager's business, not this package's.
package relayclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

// DefaultTimeout bounds every relay call unless the caller's context says
// less.
const DefaultTimeout = 5 * time.Second

// Client is a signed-request client for one relay.
type Client struct {
	// URL is the relay base URL without a trailing slash.
	URL string

	agent  string
	keyMu  sync.RWMutex
	key    ed25519.PrivateKey
	client *http.Client
	log    log.Logger
	now    func() time.Time
}

// NewClient returns a client that signs requests as agent with key.
func NewClient(url, agent string, key ed25519.PrivateKey) *Client {
	return &Client{
		URL:    strings.TrimRight(url, "/"),
		agent:  agent,
		key:    key,
		client: &http.Client{Timeout: DefaultTimeout},
		log:    log.New("relay", url),
		now:    time.Now,
	}
}

// SetHTTPClient replaces the underlying HTTP client, e.g. to pin TLS
// configuration or shorten the timeout.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.client = hc
}

// SetKey swaps the signing key after a key rotation. In-flight requests
// keep the key they started with.
func (c *Client) SetKey(key ed25519.PrivateKey) {
	c.keyMu.Lock()
	c.key = key
	c.keyMu.Unlock()
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Send(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.Send(ctx, http.MethodPost, path, in, out)
}

func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.Send(ctx, http.MethodPut, path, in, out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Send(ctx, http.MethodDelete, path, nil, nil)
}

// Send performs a signed request and decodes the JSON response into out
// when out is non-nil. Every failure comes back as *Error.
func (c *Client) Send(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.sign(req, method, path, body)

	res, err := c.client.Do(req)
	if err != nil {
		c.log.Trace("Relay request failed", "method", method, "path", path, "err", err)
		return &Error{Kind: KindTransient, Message: err.Error(), err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := decodeError(res)
		c.log.Trace("Relay request rejected", "method", method, "path", path, "status", res.StatusCode)
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return &Error{Kind: KindTransient, StatusCode: res.StatusCode, Message: "undecodable response: " + err.Error(), err: err}
		}
	}
	return nil
}

// sign attaches the Authorization and X-Timestamp headers. The signed path
// excludes any query string.
func (c *Client) sign(req *http.Request, method, path string, body []byte) {
	c.keyMu.RLock()
	key := c.key
	c.keyMu.RUnlock()
	if key == nil {
		return
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	ts := wire.FormatTime(c.now())
	sig := ed25519.Sign(key, []byte(api.SigningString(method, path, ts, body)))
	req.Header.Set(api.AuthHeader, api.FormatAuthHeader(c.agent, sig))
	req.Header.Set(api.TimestampHeader, ts)
}

func decodeError(res *http.Response) *Error {
	e := &Error{Kind: classify(res.StatusCode), StatusCode: res.StatusCode, Message: res.Status}
	var body api.Error
	if err := json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		e.Message = body.Error
	}
	if e.Kind == KindRateLimited {
		e.Remaining, _ = strconv.Atoi(res.Header.Get(api.RateLimitRemainingHeader))
		if v, err := strconv.ParseInt(res.Header.Get(api.RateLimitResetHeader), 10, 64); err == nil {
			e.ResetAt = time.Unix(v, 0)
		}
	}
	return e
}
