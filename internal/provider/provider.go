// Package provider is the HTTP client for the external research services:
// prospect lookup, company lookup and brief synthesis.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/hpungsan/callbrief/internal/backoff"
	"github.com/hpungsan/callbrief/internal/config"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/pipeline"
	"github.com/hpungsan/callbrief/internal/research"
)

// maxBody caps how much of a response is read.
const maxBody = 4 << 20

// Client calls the research services. It implements pipeline.Lookup and
// pipeline.Synthesizer. Per-call deadlines come from the caller's context.
type Client struct {
	cfg  config.ProvidersConfig
	http *http.Client
}

// New creates a Client. A nil httpClient uses http.DefaultClient.
func New(cfg config.ProvidersConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{cfg: cfg, http: httpClient}
}

var (
	_ pipeline.Lookup      = (*Client)(nil)
	_ pipeline.Synthesizer = (*Client)(nil)
)

type prospectRequest struct {
	Email         string  `json:"email"`
	Name          *string `json:"name,omitempty"`
	CompanyDomain *string `json:"companyDomain,omitempty"`
}

// LookupProspect implements pipeline.Lookup.
func (c *Client) LookupProspect(ctx context.Context, p research.Prospect) (*pipeline.ProspectInfo, error) {
	return post[pipeline.ProspectInfo](ctx, c, "prospect lookup", c.cfg.ProspectURL, prospectRequest(p))
}

// LookupCompany implements pipeline.Lookup.
func (c *Client) LookupCompany(ctx context.Context, domain string) (*pipeline.CompanyInfo, error) {
	return post[pipeline.CompanyInfo](ctx, c, "company lookup", c.cfg.CompanyURL, map[string]string{"domain": domain})
}

// Synthesize implements pipeline.Synthesizer.
func (c *Client) Synthesize(ctx context.Context, in pipeline.SynthesisInput) (*pipeline.Synthesis, error) {
	return post[pipeline.Synthesis](ctx, c, "synthesis", c.cfg.SynthesisURL, in)
}

// post sends body as JSON and decodes the response into T.
//
// Classification: 429 wraps errors.ErrRateLimited, 5xx and transport errors
// are transient, any other non-2xx or an undecodable body is permanent.
func post[T any](ctx context.Context, c *Client, op, url string, body any) (*T, error) {
	if url == "" {
		return nil, backoff.Permanent(fmt.Errorf("%s: endpoint not configured", op))
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, backoff.Permanent(eris.Wrapf(err, "%s: encode request", op))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, backoff.Permanent(eris.Wrapf(err, "%s: build request", op))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "%s", op)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: read response", op)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: %w", op, errors.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: server returned %d", op, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, backoff.Permanent(fmt.Errorf("%s: server returned %d: %s", op, resp.StatusCode, snippet(data)))
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, backoff.Permanent(eris.Wrapf(err, "%s: decode response", op))
	}
	return &out, nil
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
