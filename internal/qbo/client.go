// Package qbo is a minimal QuickBooks Online client for the account query endpoint.
package qbo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/and161185/ledgersync/internal/errs"
	"github.com/and161185/ledgersync/internal/model"
)

// Client defaults. NewClient fills zero MinorVersion, PageSize and RetryBase;
// RetryMax is taken as is and zero disables retries.
const (
	DefaultMinorVersion = 75
	DefaultPageSize     = 1000
	DefaultRetryMax     = 3
	DefaultRetryBase    = 200 * time.Millisecond

	maxBodyBytes   = 32 << 20
	maxDetailBytes = 2 << 10
	queryTimestamp = "2006-01-02T15:04:05Z"
)

// TokenProvider yields a currently valid access token, refreshing it if needed.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (*model.Token, error)
}

// Config describes the remote API.
type Config struct {
	APIBase      string // e.g. https://sandbox-quickbooks.api.intuit.com/v3
	MinorVersion int
	PageSize     int
	RetryMax     uint64 // retries after the first attempt
	RetryBase    time.Duration
}

// Client queries ledger accounts on behalf of the stored credential.
type Client struct {
	cfg    Config
	tokens TokenProvider
	http   *http.Client
	log    *zap.Logger
}

// NewClient creates a client. hc carries the outbound timeout.
func NewClient(cfg Config, tokens TokenProvider, hc *http.Client, log *zap.Logger) *Client {
	if cfg.MinorVersion == 0 {
		cfg.MinorVersion = DefaultMinorVersion
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Client{cfg: cfg, tokens: tokens, http: hc, log: log}
}

// AccountQuery builds the query for accounts modified at or after since (all accounts when nil).
func AccountQuery(since *time.Time, start, pageSize int) string {
	var b strings.Builder
	b.WriteString("SELECT * FROM Account")
	if since != nil {
		b.WriteString(" WHERE Metadata.LastUpdatedTime >= '")
		b.WriteString(since.UTC().Format(queryTimestamp))
		b.WriteString("'")
	}
	fmt.Fprintf(&b, " STARTPOSITION %d MAXRESULTS %d", start, pageSize)
	return b.String()
}

// FetchAccountsSince returns every account record modified at or after since.
// Pages are requested until one comes back short.
func (c *Client) FetchAccountsSince(ctx context.Context, since *time.Time) ([]Record, error) {
	var out []Record
	for start := 1; ; start += c.cfg.PageSize {
		body, err := c.query(ctx, AccountQuery(since, start, c.cfg.PageSize))
		if err != nil {
			return nil, err
		}
		page := gjson.GetBytes(body, "QueryResponse.Account")
		n := 0
		page.ForEach(func(_, v gjson.Result) bool {
			out = append(out, Record{v})
			n++
			return true
		})
		c.log.Debug("account page fetched", zap.Int("start", start), zap.Int("count", n))
		if n < c.cfg.PageSize {
			return out, nil
		}
	}
}

// query POSTs one statement to the company query endpoint, retrying transient failures.
func (c *Client) query(ctx context.Context, stmt string) ([]byte, error) {
	b := retry.WithMaxRetries(c.cfg.RetryMax, retry.NewExponential(c.cfg.RetryBase))
	var body []byte
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		body, err = c.queryOnce(ctx, stmt)
		if retryable(err) {
			c.log.Warn("account query failed, retrying", zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	return body, err
}

func (c *Client) queryOnce(ctx context.Context, stmt string) ([]byte, error) {
	tok, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/company/%s/query", c.cfg.APIBase, url.PathEscape(tok.RealmID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(stmt))
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	q := req.URL.Query()
	q.Set("minorversion", strconv.Itoa(c.cfg.MinorVersion))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/text")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Upstream("query accounts", errs.ErrRemoteQueryFailed, 0, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errs.Upstream("query accounts", errs.ErrRemoteQueryFailed, resp.StatusCode, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Upstream("query accounts", errs.ErrRemoteQueryFailed, resp.StatusCode, faultDetail(body))
	}
	// QBO reports some query errors with 200 and a Fault body.
	if f := gjson.GetBytes(body, "Fault"); f.Exists() {
		return nil, errs.Upstream("query accounts", errs.ErrRemoteQueryFailed, resp.StatusCode, faultDetail(body))
	}
	return body, nil
}

// faultDetail extracts the first Fault error message, or a truncated body.
func faultDetail(body []byte) string {
	e := gjson.GetBytes(body, "Fault.Error.0")
	if e.Exists() {
		msg := e.Get("Message").String()
		if d := e.Get("Detail").String(); d != "" {
			msg += ": " + d
		}
		if code := e.Get("code").String(); code != "" {
			msg = code + " " + msg
		}
		return msg
	}
	if len(body) > maxDetailBytes {
		body = body[:maxDetailBytes]
	}
	return string(body)
}

// retryable reports whether err is a network failure, 429 or 5xx from the query endpoint.
func retryable(err error) bool {
	var ue *errs.UpstreamError
	if !errors.As(err, &ue) || !errors.Is(ue, errs.ErrRemoteQueryFailed) {
		return false
	}
	return ue.Status == 0 || ue.Status == http.StatusTooManyRequests || ue.Status >= 500
}
