package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/ledgersync/internal/errs"
	"github.com/and161185/ledgersync/internal/model"
	"github.com/and161185/ledgersync/internal/service"
)

type fakeTokens struct {
	stateErr    error
	exchangeErr error
	gotCode     string
	gotRealm    string
	status      model.ConnectionStatus
}

var _ service.TokenService = (*fakeTokens)(nil)

func (f *fakeTokens) GetValidToken(context.Context) (*model.Token, error) {
	return nil, errs.ErrNotAuthenticated
}

func (f *fakeTokens) SaveToken(context.Context, string, string, string, time.Duration) (*model.Token, error) {
	return nil, errors.New("not used")
}

func (f *fakeTokens) RefreshToken(context.Context, *model.Token) (*model.Token, error) {
	return nil, errors.New("not used")
}

func (f *fakeTokens) AuthorizationURL(...string) (string, error) {
	return "https://auth.example/authorize?state=s1", nil
}

func (f *fakeTokens) VerifyState(string) error { return f.stateErr }

func (f *fakeTokens) Exchange(_ context.Context, code, realmID string) (*model.Token, error) {
	f.gotCode, f.gotRealm = code, realmID
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &model.Token{
		AccessToken:  "at",
		RefreshToken: "rt",
		RealmID:      realmID,
		ExpiresAt:    time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeTokens) Status(context.Context) (model.ConnectionStatus, error) { return f.status, nil }

type fakeAccounts struct {
	list      []model.Account
	byID      map[string]model.Account
	err       error
	forceErr  error
	gotPrefix string
	gotForce  bool
	gotIP     string
	syncs     int
}

var _ service.AccountService = (*fakeAccounts)(nil)

func (f *fakeAccounts) ShouldSync(context.Context) (bool, error) { return false, nil }

func (f *fakeAccounts) Sync(context.Context) (model.SyncResult, error) {
	f.syncs++
	if f.err != nil {
		return model.SyncResult{}, f.err
	}
	return model.SyncResult{Fetched: 2, Created: 1, Updated: 1}, nil
}

func (f *fakeAccounts) GetAccounts(_ context.Context, prefix string) ([]model.Account, error) {
	return f.GetAccountsWithSync(context.Background(), prefix, false)
}

func (f *fakeAccounts) GetAccountsWithSync(_ context.Context, prefix string, force bool) ([]model.Account, error) {
	f.gotPrefix, f.gotForce = prefix, force
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

func (f *fakeAccounts) AllowForce(_ context.Context, ip string) error {
	f.gotIP = ip
	return f.forceErr
}

func (f *fakeAccounts) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

func (f *fakeAccounts) Ancestors(ctx context.Context, id string) ([]model.Account, error) {
	a, err := f.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []model.Account
	for a.ParentID != nil {
		p, ok := f.byID[*a.ParentID]
		if !ok {
			break
		}
		out = append(out, p)
		a = &p
	}
	return out, nil
}

func (f *fakeAccounts) Status(context.Context) (model.SyncStatus, error) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return model.SyncStatus{EntityType: model.EntityAccount, LastSyncAt: &at}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func acct(qboID, name string, parent *string) model.Account {
	return model.Account{
		ID:             uuid.Must(uuid.NewV4()),
		QBOID:          qboID,
		Name:           name,
		Active:         true,
		CurrentBalance: decimal.RequireFromString("100.50"),
		ParentID:       parent,
	}
}

func newTestServer(t *testing.T, tok *fakeTokens, acc *fakeAccounts, ready ReadinessChecker, opts Options) http.Handler {
	t.Helper()
	return New(tok, acc, ready, zaptest.NewLogger(t), opts).Routes()
}

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeTokens{}, &fakeAccounts{}, pinger{}, Options{})

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestHealthReady_Unavailable(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &fakeTokens{}, &fakeAccounts{}, pinger{err: errors.New("down")}, Options{})
	rec := do(t, h, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotContains(t, rec.Body.String(), "down")

	h = newTestServer(t, &fakeTokens{}, &fakeAccounts{}, nil, Options{})
	rec = do(t, h, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLogin_Redirects(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeTokens{}, &fakeAccounts{}, nil, Options{})

	for _, path := range []string{"/login", "/auth/login"} {
		rec := do(t, h, http.MethodGet, path, nil)
		require.Equal(t, http.StatusFound, rec.Code, path)
		require.Equal(t, "https://auth.example/authorize?state=s1", rec.Header().Get("Location"))
	}
}

func TestCallback_Success(t *testing.T) {
	t.Parallel()
	tok := &fakeTokens{}
	h := newTestServer(t, tok, &fakeAccounts{}, nil, Options{})

	rec := do(t, h, http.MethodGet, "/callback?code=c1&realmId=r1&state=s1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "c1", tok.gotCode)
	require.Equal(t, "r1", tok.gotRealm)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Authentication successful", body["message"])
	require.Equal(t, "r1", body["realm_id"])
	require.NotContains(t, rec.Body.String(), `"at"`)
	require.NotContains(t, rec.Body.String(), `"rt"`)
}

func TestCallback_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		tok      *fakeTokens
		target   string
		status   int
		code     string
		upstream int
	}{
		{"missing code", &fakeTokens{}, "/auth/callback?realmId=r1&state=s", http.StatusBadRequest, codeValidation, 0},
		{"denied", &fakeTokens{}, "/callback?error=access_denied", http.StatusBadRequest, codeUpstream, 0},
		{"bad state", &fakeTokens{stateErr: errs.ErrInvalidState}, "/callback?code=c&realmId=r&state=x", http.StatusBadRequest, codeInvalidState, 0},
		{"missing realm", &fakeTokens{}, "/callback?code=c&state=s", http.StatusBadRequest, codeValidation, 0},
		{
			"exchange failed",
			&fakeTokens{exchangeErr: errs.Upstream("exchange code", errs.ErrCodeExchangeFailed, http.StatusUnauthorized, `{"error":"invalid_grant"}`)},
			"/callback?code=c&realmId=r&state=s",
			http.StatusBadRequest, codeUpstream, http.StatusUnauthorized,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t, tc.tok, &fakeAccounts{}, nil, Options{})
			rec := do(t, h, http.MethodGet, tc.target, nil)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			e := decodeErr(t, rec)
			require.Equal(t, tc.code, e.Code)
			require.Equal(t, tc.upstream, e.UpstreamStatus)
		})
	}
}

func TestAuthStatus(t *testing.T) {
	t.Parallel()
	tok := &fakeTokens{status: model.ConnectionStatus{Connected: true, RealmID: "r1", ExpiresAt: time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)}}
	h := newTestServer(t, tok, &fakeAccounts{}, nil, Options{})

	rec := do(t, h, http.MethodGet, "/auth/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"connected":true,"realm_id":"r1","expires_at":"2026-01-01T13:00:00Z"}`, rec.Body.String())
}

func TestListAccounts(t *testing.T) {
	t.Parallel()
	acc := &fakeAccounts{list: []model.Account{acct("1", "Checking", nil), acct("2", "Cash", nil)}}
	h := newTestServer(t, &fakeTokens{}, acc, nil, Options{})

	rec := do(t, h, http.MethodGet, "/accounts?name_prefix=ch", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "ch", acc.gotPrefix)
	require.False(t, acc.gotForce)
	require.Empty(t, acc.gotIP, "limiter must not be charged without force")

	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	require.Equal(t, "1", out[0]["qbo_id"])
	require.Equal(t, 100.5, out[0]["current_balance"])
}

func TestListAccounts_EmptyIsArray(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeTokens{}, &fakeAccounts{}, nil, Options{})

	rec := do(t, h, http.MethodGet, "/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestListAccounts_ForceChargesClientIP(t *testing.T) {
	t.Parallel()

	acc := &fakeAccounts{}
	h := newTestServer(t, &fakeTokens{}, acc, nil, Options{TrustProxy: true})
	rec := do(t, h, http.MethodGet, "/accounts?force_from_api=true", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, acc.gotForce)
	require.Equal(t, "203.0.113.9", acc.gotIP)

	acc = &fakeAccounts{}
	h = newTestServer(t, &fakeTokens{}, acc, nil, Options{})
	rec = do(t, h, http.MethodGet, "/accounts?force_from_api=1", map[string]string{"X-Forwarded-For": "203.0.113.9"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "192.0.2.1", acc.gotIP, "httptest default RemoteAddr")
}

func TestListAccounts_BadForce(t *testing.T) {
	t.Parallel()
	acc := &fakeAccounts{}
	h := newTestServer(t, &fakeTokens{}, acc, nil, Options{})

	rec := do(t, h, http.MethodGet, "/accounts?force_from_api=maybe", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeValidation, decodeErr(t, rec).Code)
	require.Empty(t, acc.gotIP)
}

func TestListAccounts_RateLimited(t *testing.T) {
	t.Parallel()
	acc := &fakeAccounts{forceErr: &errs.RateLimitError{RetryAfter: 1500 * time.Millisecond}}
	h := newTestServer(t, &fakeTokens{}, acc, nil, Options{})

	rec := do(t, h, http.MethodGet, "/accounts?force_from_api=true", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.Equal(t, codeRateLimited, decodeErr(t, rec).Code)
	require.Empty(t, acc.gotPrefix, "read must not run after rejection")
}

func TestListAccounts_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		status   int
		code     string
		upstream int
	}{
		{"not authenticated", errs.ErrNotAuthenticated, http.StatusUnauthorized, codeNotAuthenticated, 0},
		{"refresh failed", errs.Upstream("refresh token", errs.ErrTokenRefreshFailed, http.StatusBadRequest, "invalid_grant"), http.StatusBadRequest, codeUpstream, http.StatusBadRequest},
		{"query failed", errs.Upstream("query accounts", errs.ErrRemoteQueryFailed, http.StatusInternalServerError, "oops"), http.StatusBadRequest, codeUpstream, http.StatusInternalServerError},
		{"network", errs.Upstream("query accounts", errs.ErrRemoteQueryFailed, 0, "dial tcp"), http.StatusBadRequest, codeUpstream, 0},
		{"malformed", errs.ErrMalformedRemoteRecord, http.StatusBadGateway, codeMalformed, 0},
		{"busy", errs.ErrLockBusy, http.StatusServiceUnavailable, codeBusy, 0},
		{"db", errors.New("connection reset"), http.StatusInternalServerError, codeInternal, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t, &fakeTokens{}, &fakeAccounts{err: tc.err}, nil, Options{})
			rec := do(t, h, http.MethodGet, "/accounts", nil)
			require.Equal(t, tc.status, rec.Code)
			e := decodeErr(t, rec)
			require.Equal(t, tc.code, e.Code)
			require.Equal(t, tc.upstream, e.UpstreamStatus)
			if tc.status == http.StatusInternalServerError {
				require.NotContains(t, e.Message, "connection reset")
			}
		})
	}
}

func TestGetAccount_WithAncestors(t *testing.T) {
	t.Parallel()
	root := "1"
	mid := "2"
	acc := &fakeAccounts{byID: map[string]model.Account{
		"1": acct("1", "Assets", nil),
		"2": acct("2", "Bank", &root),
		"3": acct("3", "Checking", &mid),
	}}
	h := newTestServer(t, &fakeTokens{}, acc, nil, Options{})

	rec := do(t, h, http.MethodGet, "/accounts/3", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		QBOID     string `json:"qbo_id"`
		Ancestors []struct {
			QBOID string `json:"qbo_id"`
		} `json:"ancestors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "3", out.QBOID)
	require.Len(t, out.Ancestors, 2)
	require.Equal(t, "2", out.Ancestors[0].QBOID)
	require.Equal(t, "1", out.Ancestors[1].QBOID)

	rec = do(t, h, http.MethodGet, "/accounts/404", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, codeNotFound, decodeErr(t, rec).Code)
}

func TestSyncEndpoints(t *testing.T) {
	t.Parallel()
	acc := &fakeAccounts{}
	h := newTestServer(t, &fakeTokens{}, acc, nil, Options{})

	rec := do(t, h, http.MethodGet, "/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"entity_type":"account","last_sync_at":"2026-01-01T12:00:00Z","stale":false}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, acc.syncs)
	require.Equal(t, "192.0.2.1", acc.gotIP)

	rec = do(t, h, http.MethodGet, "/sync", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, codeMethodNotAllowed, decodeErr(t, rec).Code)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeTokens{}, &fakeAccounts{}, nil, Options{})

	rec := do(t, h, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, codeNotFound, decodeErr(t, rec).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeTokens{}, &fakeAccounts{}, nil, Options{})

	_ = do(t, h, http.MethodGet, "/health", nil)
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ledgersync_http_requests_total")
}
