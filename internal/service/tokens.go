// Package service contains the OAuth token lifecycle and the account sync engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	pkgcrypto "github.com/and161185/ledgersync/internal/crypto"
	"github.com/and161185/ledgersync/internal/errs"
	"github.com/and161185/ledgersync/internal/lock"
	"github.com/and161185/ledgersync/internal/model"
	"github.com/and161185/ledgersync/internal/repository"
)

// Token lifecycle defaults.
const (
	DefaultRefreshMargin = 5 * time.Minute
	DefaultStateTTL      = 10 * time.Minute
	DefaultScope         = "com.intuit.quickbooks.accounting"

	defaultExpiresIn = time.Hour
	refreshLockKey   = "token-refresh"
	stateSubject     = "oauth-state"
)

// TokenService manages the single OAuth credential.
type TokenService interface {
	// GetValidToken returns a token that stays valid for at least the refresh margin.
	GetValidToken(ctx context.Context) (*model.Token, error)
	// SaveToken stores a credential with ExpiresAt = now + expiresIn.
	SaveToken(ctx context.Context, access, refresh, realmID string, expiresIn time.Duration) (*model.Token, error)
	// RefreshToken runs the refresh grant for tok and stores the result.
	RefreshToken(ctx context.Context, tok *model.Token) (*model.Token, error)
	// AuthorizationURL returns the consent URL with a signed state parameter.
	AuthorizationURL(scopes ...string) (string, error)
	// VerifyState checks a state parameter returned by the authorization server.
	VerifyState(state string) error
	// Exchange trades an authorization code for tokens and stores them.
	Exchange(ctx context.Context, code, realmID string) (*model.Token, error)
	// Status describes the stored credential without secrets.
	Status(ctx context.Context) (model.ConnectionStatus, error)
}

// OAuthConfig holds the client registration and endpoints.
type OAuthConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	AuthURL       string
	TokenURL      string
	StateKey      []byte
	StateTTL      time.Duration
	RefreshMargin time.Duration
}

type TokenServiceImpl struct {
	tokens   repository.TokenRepository
	oauth    *oauth2.Config
	hc       *http.Client
	locker   *lock.Locker
	stateKey []byte
	stateTTL time.Duration
	margin   time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewTokenService constructs TokenService. hc is used for every authorization-server call.
func NewTokenService(
	tokens repository.TokenRepository, cfg OAuthConfig, hc *http.Client, locker *lock.Locker, log *zap.Logger,
) *TokenServiceImpl {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenServiceImpl{
		tokens: tokens,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{DefaultScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		hc:       hc,
		locker:   locker,
		stateKey: cfg.StateKey,
		stateTTL: cfg.StateTTL,
		margin:   cfg.RefreshMargin,
		log:      log,
		now:      time.Now,
	}
}

// GetValidToken returns the stored token, refreshing it first when it expires within the margin.
// Concurrent callers share one refresh.
func (s *TokenServiceImpl) GetValidToken(ctx context.Context) (*model.Token, error) {
	tok, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if !tok.ExpiresWithin(s.now(), s.margin) {
		return tok, nil
	}

	_, err = s.locker.Do(ctx, refreshLockKey, func(ctx context.Context) error {
		// another caller or replica may have refreshed while we waited
		cur, err := s.load(ctx)
		if err != nil {
			return err
		}
		if !cur.ExpiresWithin(s.now(), s.margin) {
			return nil
		}
		_, err = s.RefreshToken(ctx, cur)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.load(ctx)
}

func (s *TokenServiceImpl) load(ctx context.Context) (*model.Token, error) {
	tok, err := s.tokens.Get(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrNotAuthenticated
	}
	return tok, err
}

// SaveToken upserts the single credential row.
func (s *TokenServiceImpl) SaveToken(
	ctx context.Context, access, refresh, realmID string, expiresIn time.Duration,
) (*model.Token, error) {
	if access == "" || refresh == "" {
		return nil, errors.New("validation: empty access/refresh token")
	}
	t := &model.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		RealmID:      realmID,
		ExpiresAt:    s.now().UTC().Add(expiresIn),
	}
	if err := s.tokens.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	return t, nil
}

// RefreshToken performs the refresh_token grant. A response without a new
// refresh token keeps the previous one; the realm is always kept.
func (s *TokenServiceImpl) RefreshToken(ctx context.Context, tok *model.Token) (*model.Token, error) {
	src := s.oauth.TokenSource(s.clientCtx(ctx), &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	nt, err := src.Token()
	if err != nil {
		tokenRefreshTotal.WithLabelValues("error").Inc()
		s.log.Warn("token refresh failed", zap.String("realm_id", tok.RealmID), zap.Error(err))
		return nil, upstreamOAuthError("refresh token", errs.ErrTokenRefreshFailed, err)
	}
	tokenRefreshTotal.WithLabelValues("ok").Inc()

	refresh := nt.RefreshToken
	if refresh == "" {
		refresh = tok.RefreshToken
	}
	saved, err := s.SaveToken(ctx, nt.AccessToken, refresh, tok.RealmID, expiresIn(nt))
	if err != nil {
		return nil, err
	}
	s.log.Info("token refreshed", zap.String("realm_id", saved.RealmID), zap.Time("expires_at", saved.ExpiresAt))
	return saved, nil
}

// AuthorizationURL builds the consent URL. Without scopes the accounting scope is requested.
func (s *TokenServiceImpl) AuthorizationURL(scopes ...string) (string, error) {
	state, err := s.issueState()
	if err != nil {
		return "", err
	}
	cfg := *s.oauth
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}
	return cfg.AuthCodeURL(state), nil
}

// issueState creates a signed HS256 JWT used as the anti-forgery state parameter.
func (s *TokenServiceImpl) issueState() (string, error) {
	nonce, err := pkgcrypto.RandBytes(16)
	if err != nil {
		return "", err
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   stateSubject,
		ID:        fmt.Sprintf("%x", nonce),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.stateTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.stateKey)
}

// VerifyState validates signature, expiry and subject of a state parameter.
func (s *TokenServiceImpl) VerifyState(state string) error {
	if state == "" {
		return errs.ErrInvalidState
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return s.stateKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithSubject(stateSubject))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidState, err)
	}
	return nil
}

// Exchange runs the authorization_code grant and stores the resulting credential.
func (s *TokenServiceImpl) Exchange(ctx context.Context, code, realmID string) (*model.Token, error) {
	if code == "" {
		return nil, errs.Upstream("exchange code", errs.ErrCodeExchangeFailed, 0, "missing code")
	}
	if realmID == "" {
		return nil, errs.Upstream("exchange code", errs.ErrCodeExchangeFailed, 0, "missing realmId")
	}
	nt, err := s.oauth.Exchange(s.clientCtx(ctx), code)
	if err != nil {
		s.log.Warn("code exchange failed", zap.String("realm_id", realmID), zap.Error(err))
		return nil, upstreamOAuthError("exchange code", errs.ErrCodeExchangeFailed, err)
	}
	if nt.RefreshToken == "" {
		return nil, errs.Upstream("exchange code", errs.ErrCodeExchangeFailed, 0, "response without refresh_token")
	}
	saved, err := s.SaveToken(ctx, nt.AccessToken, nt.RefreshToken, realmID, expiresIn(nt))
	if err != nil {
		return nil, err
	}
	s.log.Info("company connected", zap.String("realm_id", realmID))
	return saved, nil
}

// Status reports whether a credential is stored.
func (s *TokenServiceImpl) Status(ctx context.Context) (model.ConnectionStatus, error) {
	tok, err := s.tokens.Get(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return model.ConnectionStatus{}, nil
	}
	if err != nil {
		return model.ConnectionStatus{}, err
	}
	return model.ConnectionStatus{Connected: true, RealmID: tok.RealmID, ExpiresAt: tok.ExpiresAt}, nil
}

func (s *TokenServiceImpl) clientCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.hc)
}

// expiresIn converts the absolute expiry computed by oauth2 back into a lifetime.
func expiresIn(t *oauth2.Token) time.Duration {
	if t.Expiry.IsZero() {
		return defaultExpiresIn
	}
	return time.Until(t.Expiry).Round(time.Second)
}

// upstreamOAuthError keeps the status and body of an authorization-server rejection.
func upstreamOAuthError(op string, sentinel, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return errs.Upstream(op, sentinel, re.Response.StatusCode, string(re.Body))
	}
	return errs.Upstream(op, sentinel, 0, err.Error())
}
