package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gologme/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Reason classifies why token acquisition failed.
type Reason int

const (
	// ReasonExpired means the cached credential is unusable and a refresh
	// was rejected (or impossible). The account must re-authenticate
	// interactively; retrying without that will not help.
	ReasonExpired Reason = iota

	// ReasonNetwork means a transient transport failure. The caller may
	// retry with backoff.
	ReasonNetwork
)

// Error is returned by ObtainToken when no access token could be acquired.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonExpired:
		return fmt.Sprintf("auth: credential expired: %v", e.Err)
	default:
		return fmt.Sprintf("auth: network failure: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsExpired reports whether err is an auth error requiring interactive
// re-authentication.
func IsExpired(err error) bool {
	var authErr *Error
	return errors.As(err, &authErr) && authErr.Reason == ReasonExpired
}

// IsNetworkFailure reports whether err is a transient auth transport error.
func IsNetworkFailure(err error) bool {
	var authErr *Error
	return errors.As(err, &authErr) && authErr.Reason == ReasonNetwork
}

// expiryMargin is how close to expiry a cached token may get before it is
// refreshed anyway, so it cannot expire mid-session.
const expiryMargin = 60 * time.Second

// Options configures a Provider.
type Options struct {
	TenantID  string
	ClientID  string
	Scopes    []string
	CacheFile string

	// Interactive allows the device-authorization flow when no usable
	// cached credential exists. Non-interactive providers fail with
	// ReasonExpired instead of prompting.
	Interactive bool

	// Endpoint overrides the AzureAD endpoint. Used by tests.
	Endpoint oauth2.Endpoint

	Logger *log.Logger
}

// Provider owns the OAuth2 token lifecycle: it serves cached tokens while
// they are valid, refreshes them through the token endpoint when they are
// not, and falls back to the device-authorization flow for first-time
// sign-in. Every successful acquisition is persisted to the cache file
// before it is returned.
type Provider struct {
	conf        *oauth2.Config
	cache       *tokenCache
	interactive bool
	logger      *log.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

// NewProvider creates a Provider for the given OAuth2 client settings.
func NewProvider(opts Options) *Provider {
	endpoint := opts.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = microsoft.AzureADEndpoint(opts.TenantID)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Provider{
		conf: &oauth2.Config{
			ClientID: opts.ClientID,
			Endpoint: endpoint,
			Scopes:   opts.Scopes,
		},
		cache:       &tokenCache{path: opts.CacheFile},
		interactive: opts.Interactive,
		logger:      logger,
	}
}

// ObtainToken returns a valid access token. Cached tokens are served
// without network I/O while they remain valid beyond the safety margin.
func (p *Provider) ObtainToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil {
		tok, err := p.cache.load()
		if err == nil {
			p.token = tok
		} else {
			p.logger.Debugf("no usable token cache: %v\n", err)
		}
	}

	if usable(p.token) {
		return p.token.AccessToken, nil
	}

	if p.token != nil && p.token.RefreshToken != "" {
		tok, err := p.refresh(ctx)
		if err == nil {
			return p.store(tok)
		}

		var retrieveErr *oauth2.RetrieveError
		if !errors.As(err, &retrieveErr) || transientRetrieve(retrieveErr) {
			return "", &Error{Reason: ReasonNetwork, Err: err}
		}
		if !p.interactive {
			return "", &Error{Reason: ReasonExpired, Err: err}
		}
		p.logger.Warnf("refresh token rejected, re-authenticating interactively: %v\n", err)
	} else if !p.interactive {
		return "", &Error{
			Reason: ReasonExpired,
			Err:    errors.New("no cached credential and interactive sign-in disabled"),
		}
	}

	tok, err := p.deviceFlow(ctx)
	if err != nil {
		return "", err
	}
	return p.store(tok)
}

// refresh exchanges the cached refresh token for a new access token.
func (p *Provider) refresh(ctx context.Context) (*oauth2.Token, error) {
	p.logger.Infoln("access token expired, refreshing")

	tok, err := p.conf.TokenSource(ctx, p.token).Token()
	if err != nil {
		return nil, err
	}

	// Some providers omit the refresh token on refresh; keep the old one.
	if tok.RefreshToken == "" {
		tok.RefreshToken = p.token.RefreshToken
	}
	return tok, nil
}

// deviceFlow performs the full device-authorization sign-in.
func (p *Provider) deviceFlow(ctx context.Context) (*oauth2.Token, error) {
	resp, err := p.conf.DeviceAuth(ctx)
	if err != nil {
		return nil, &Error{Reason: ReasonNetwork, Err: fmt.Errorf("starting device authorization: %w", err)}
	}

	p.logger.Printf("To sign in, visit %s and enter the code %s\n",
		resp.VerificationURI, resp.UserCode)

	tok, err := p.conf.DeviceAccessToken(ctx, resp)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && !transientRetrieve(retrieveErr) {
			return nil, &Error{Reason: ReasonExpired, Err: fmt.Errorf("device authorization rejected: %w", err)}
		}
		return nil, &Error{Reason: ReasonNetwork, Err: fmt.Errorf("completing device authorization: %w", err)}
	}
	return tok, nil
}

// transientRetrieve reports whether the token endpoint's error response
// reflects a server-side outage rather than a verdict on the credential.
// The oauth2 package returns RetrieveError for every non-2xx status, so a
// 503 during an outage must not be read as a refresh rejection.
func transientRetrieve(e *oauth2.RetrieveError) bool {
	if e.Response != nil && e.Response.StatusCode >= 500 {
		return true
	}
	return e.ErrorCode == "temporarily_unavailable"
}

// store persists the token to the cache file and only then hands it out.
func (p *Provider) store(tok *oauth2.Token) (string, error) {
	if err := p.cache.save(tok); err != nil {
		return "", fmt.Errorf("persisting token cache: %w", err)
	}
	p.token = tok
	return tok.AccessToken, nil
}

// usable reports whether the token can still authenticate a session
// without getting close enough to expiry to risk a mid-session cutoff.
func usable(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return time.Until(tok.Expiry) > expiryMargin
}
