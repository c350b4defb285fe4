package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MaulRai/vessel/pkg/api"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
)

// Client calls a remote settlement backend. Confirm is idempotent per tx_hash, so
// transport failures, 5xx and 429 responses are retried with exponential backoff.
// Rejections are never retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxTries   uint
	backoff    func() backoff.BackOff
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// WithMaxTries bounds confirm attempts, including the first. Values below 1 mean a
// single attempt; the client never retries without bound.
func WithMaxTries(n uint) ClientOption {
	return func(c *Client) { c.maxTries = max(n, 1) }
}

// WithBackOff overrides the retry schedule.
func WithBackOff(f func() backoff.BackOff) ClientOption {
	return func(c *Client) { c.backoff = f }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		maxTries:   5,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		logger: slog.Default().With("component", "settlement-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Confirm submits req and returns the recorded commitment. Errors are a *Rejection, or
// wrap ErrUnavailable when the backend could not give a definitive answer.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (*Commitment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode confirm request: %w", err)
	}

	attempt := 0
	op := func() (*Commitment, error) {
		attempt++
		return c.confirmOnce(ctx, body)
	}
	commitment, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WarnContext(ctx, "confirm attempt failed, retrying",
				"tx_hash", req.TxHash, "attempt", attempt, "next", next, "error", err)
		}),
	)
	if err == nil {
		return commitment, nil
	}
	if _, ok := AsRejection(err); ok {
		return nil, err
	}
	var ra *backoff.RetryAfterError
	if errors.As(err, &ra) {
		return nil, fmt.Errorf("%w: rate limited after %d attempts", ErrUnavailable, attempt)
	}
	if errors.Is(err, ErrUnavailable) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (c *Client) confirmOnce(ctx context.Context, body []byte) (*Commitment, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/investments/confirm", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build confirm request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var cm Commitment
		if err := json.NewDecoder(resp.Body).Decode(&cm); err != nil {
			return nil, fmt.Errorf("%w: decode commitment: %v", ErrUnavailable, err)
		}
		return &cm, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		if secs <= 0 {
			secs = 1
		}
		return nil, backoff.RetryAfter(secs)
	case resp.StatusCode >= 500:
		p := api.DecodeProblem(resp)
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, p.Error())
	default:
		return nil, backoff.Permanent(problemToError(api.DecodeProblem(resp)))
	}
}

// problemToError turns a 4xx problem document into a *Rejection.
func problemToError(p *api.ProblemDetail) error {
	code := Code(p.Code)
	if code == "" {
		code = CodeInvalidRequest
	}
	return &Rejection{Code: code, Detail: p.Detail}
}

// Lookup fetches the commitment recorded for tx.
func (c *Client) Lookup(ctx context.Context, tx ledger.TxRef) (*Commitment, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/investments/"+url.PathEscape(tx.String()), nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrCommitmentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, api.DecodeProblem(resp).Error())
	}
	var cm Commitment
	if err := json.NewDecoder(resp.Body).Decode(&cm); err != nil {
		return nil, fmt.Errorf("decode commitment: %w", err)
	}
	return &cm, nil
}

// Local adapts an in-process Service to the same call shape as Client. It also serves
// as a pool.Source.
type Local struct {
	Service *Service
}

func (l Local) Get(ctx context.Context, id string) (*pool.Pool, error) {
	return l.Service.Pool(ctx, id)
}

func (l Local) Confirm(ctx context.Context, req ConfirmRequest) (*Commitment, error) {
	c, _, err := l.Service.Confirm(ctx, req)
	return c, err
}

func (l Local) Lookup(ctx context.Context, tx ledger.TxRef) (*Commitment, error) {
	return l.Service.Lookup(ctx, tx)
}
