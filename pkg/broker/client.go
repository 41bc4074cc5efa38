// Package broker is a thin HTTP client for the site and broker APIs:
// registration upsert, long-poll work acquisition, and streamed upload of
// analysis output.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/seekerror/logw"
	"lichessengine/pkg/provider"
)

// acquireTimeout bounds a single long-poll work request (§5 "Timeouts").
const acquireTimeout = 12 * time.Second

// Client is a bearer-authenticated client for the site and broker APIs.
type Client struct {
	http   *http.Client
	site   string
	broker string
	token  string
}

// NewClient returns a Client for the given site/broker base URLs,
// authenticating every request with token.
func NewClient(site, brokerURL, token string) *Client {
	return &Client{
		http:   &http.Client{},
		site:   strings.TrimRight(site, "/"),
		broker: strings.TrimRight(brokerURL, "/"),
		token:  token,
	}
}

// Register implements the §4.2 registration upsert: list existing records,
// PUT to the matching id if one exists for reg.Name, else POST a new one.
// The chosen provider secret (fixed or freshly generated) is returned.
func (c *Client) Register(ctx context.Context, reg Registration) (string, error) {
	secret, ok := reg.FixedSecret.V()
	if !ok {
		var err error
		secret, err = generateSecret()
		if err != nil {
			return "", err
		}
	}
	reg.ProviderSecret = secret

	records, err := c.listEngines(ctx)
	if err != nil {
		return "", err
	}

	var id string
	for _, r := range records {
		if r.Name == reg.Name {
			id = r.ID
			break
		}
	}

	body, err := json.Marshal(reg)
	if err != nil {
		return "", fmt.Errorf("marshal registration: %w", err)
	}

	if id != "" {
		if err := c.doJSON(ctx, http.MethodPut, c.site+"/api/external-engine/"+id, body, nil); err != nil {
			return "", err
		}
		logw.Infof(ctx, "Updated engine registration %q (id=%v)", reg.Name, id)
	} else {
		if err := c.doJSON(ctx, http.MethodPost, c.site+"/api/external-engine", body, nil); err != nil {
			return "", err
		}
		logw.Infof(ctx, "Created engine registration %q", reg.Name)
	}
	return secret, nil
}

func (c *Client) listEngines(ctx context.Context) ([]engineRecord, error) {
	var records []engineRecord
	if err := c.doJSON(ctx, http.MethodGet, c.site+"/api/external-engine", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// AcquireWork long-polls for the next Job. A 200 response decodes to a Job;
// any other 2xx means no work is available (nil, nil); 4xx/5xx is an
// ErrHttpFailure for the caller to back off on.
func (c *Client) AcquireWork(ctx context.Context, secret string) (*provider.Job, error) {
	actx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	reqBody, err := json.Marshal(struct {
		ProviderSecret string `json:"providerSecret"`
	}{ProviderSecret: secret})
	if err != nil {
		return nil, fmt.Errorf("marshal work request: %w", err)
	}

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.broker+"/api/external-engine/work", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHttpFailure, err)
	}
	c.setHeaders(req, "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHttpFailure, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var job provider.Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, fmt.Errorf("%w: decode job: %v", ErrHttpFailure, err)
		}
		return &job, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil, nil // no work available
	default:
		return nil, fmt.Errorf("%w: work acquisition status %v", ErrHttpFailure, resp.StatusCode)
	}
}

// UploadWork streams body as the request body of POST
// {broker}/api/external-engine/work/{jobID}. body is read lazily by the
// HTTP transport (a plain io.Reader forces chunked transfer encoding), so
// engine output reaches the broker as it is produced.
func (c *Client) UploadWork(ctx context.Context, jobID string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.broker+"/api/external-engine/work/"+jobID, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHttpFailure, err)
	}
	c.setHeaders(req, "text/plain; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		if isPeerClosed(err) {
			return ErrPeerClosed
		}
		return fmt.Errorf("%w: %v", ErrHttpFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: upload status %v", ErrHttpFailure, resp.StatusCode)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHttpFailure, err)
	}
	c.setHeaders(req, "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHttpFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %v %v returned %v", ErrHttpFailure, method, url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response from %v: %v", ErrHttpFailure, url, err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, contentType string) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}

// isPeerClosed heuristically recognizes a connection the remote end closed
// out from under an in-flight streamed request, as opposed to any other
// transport failure.
func isPeerClosed(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		msg := opErr.Err.Error()
		if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "reset by peer") || strings.Contains(msg, "closed") {
			return true
		}
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "reset by peer") || strings.Contains(msg, "EOF")
}
