package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/internal/uuid"
	"github.com/jmcleod/gatehouse/store"
)

// SocialProfile is the identity a provider vouches for.
type SocialProfile struct {
	ID            string
	Name          string
	Email         string
	EmailVerified bool
	Image         string
}

// SocialProvider runs the authorization-code flow for one identity provider.
type SocialProvider interface {
	ID() string
	// AuthCodeURL returns the consent page address carrying the S256
	// challenge derived from codeVerifier.
	AuthCodeURL(state, codeVerifier, redirectURI string) string
	// Exchange trades the code for a token and fetches the profile.
	Exchange(ctx context.Context, code, codeVerifier, redirectURI string) (*SocialProfile, error)
}

// OAuthProvider is a SocialProvider on top of an oauth2.Config. Use
// NewGitHubProvider or NewGoogleProvider for the stock endpoints.
type OAuthProvider struct {
	Name        string
	Config      oauth2.Config
	UserInfoURL string
	// EmailsURL lists the user's addresses when the profile omits a
	// verified one (GitHub).
	EmailsURL  string
	HTTPClient *http.Client
}

var _ SocialProvider = (*OAuthProvider)(nil)

func NewGitHubProvider(clientID, clientSecret string) *OAuthProvider {
	return &OAuthProvider{
		Name: store.ProviderGitHub,
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.GitHub,
			Scopes:       []string{"read:user", "user:email"},
		},
		UserInfoURL: "https://api.github.com/user",
		EmailsURL:   "https://api.github.com/user/emails",
	}
}

func NewGoogleProvider(clientID, clientSecret string) *OAuthProvider {
	return &OAuthProvider{
		Name: store.ProviderGoogle,
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.Google,
			Scopes:       []string{"openid", "email", "profile"},
		},
		UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	}
}

func (p *OAuthProvider) ID() string { return p.Name }

func (p *OAuthProvider) config(redirectURI string) *oauth2.Config {
	cfg := p.Config
	cfg.RedirectURL = redirectURI
	return &cfg
}

// withClient carries the HTTP client oauth2 uses for token and API calls.
func (p *OAuthProvider) withClient(ctx context.Context) context.Context {
	hc := p.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

func (p *OAuthProvider) AuthCodeURL(state, codeVerifier, redirectURI string) string {
	return p.config(redirectURI).AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier))
}

func (p *OAuthProvider) Exchange(ctx context.Context, code, codeVerifier, redirectURI string) (*SocialProfile, error) {
	ctx = p.withClient(ctx)
	cfg := p.config(redirectURI)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	api := cfg.Client(ctx, tok)
	if p.Name == store.ProviderGoogle {
		return p.googleProfile(ctx, api)
	}
	return p.githubProfile(ctx, api)
}

func (p *OAuthProvider) get(ctx context.Context, api *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Host, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}

func (p *OAuthProvider) googleProfile(ctx context.Context, api *http.Client) (*SocialProfile, error) {
	var payload struct {
		Sub           string `json:"sub"`
		Name          string `json:"name"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Picture       string `json:"picture"`
	}
	if err := p.get(ctx, api, p.UserInfoURL, &payload); err != nil {
		return nil, err
	}
	return &SocialProfile{
		ID:            payload.Sub,
		Name:          payload.Name,
		Email:         payload.Email,
		EmailVerified: payload.EmailVerified,
		Image:         payload.Picture,
	}, nil
}

func (p *OAuthProvider) githubProfile(ctx context.Context, api *http.Client) (*SocialProfile, error) {
	var payload struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := p.get(ctx, api, p.UserInfoURL, &payload); err != nil {
		return nil, err
	}
	prof := &SocialProfile{
		Name:  firstNonEmpty(payload.Name, payload.Login),
		Email: payload.Email,
		Image: payload.AvatarURL,
	}
	if payload.ID != 0 {
		prof.ID = strconv.FormatInt(payload.ID, 10)
	}
	if p.EmailsURL == "" {
		return prof, nil
	}
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := p.get(ctx, api, p.EmailsURL, &emails); err != nil {
		return nil, err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			prof.Email = e.Email
			prof.EmailVerified = true
			break
		}
	}
	return prof, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type oauthStateRecord struct {
	Provider     string `json:"provider"`
	CodeVerifier string `json:"code_verifier"`
	CallbackURL  string `json:"callback_url,omitempty"`
}

// SocialRedirectURI is the callback address registered with providers.
func (s *Service) SocialRedirectURI(providerID string) string {
	return s.link("/api/auth/callback/"+url.PathEscape(providerID), url.Values{})
}

// HasSocialProvider reports whether providerID is enabled.
func (s *Service) HasSocialProvider(providerID string) bool {
	_, ok := s.providers[providerID]
	return ok
}

// SocialAuthorizeURL starts a PKCE authorization-code flow and returns the
// provider URL to redirect to.
func (s *Service) SocialAuthorizeURL(ctx context.Context, providerID, callbackURL string) (string, error) {
	p, ok := s.providers[providerID]
	if !ok {
		return "", ErrProviderNotFound
	}
	state, err := util.RandomToken(32)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	rec := oauthStateRecord{Provider: providerID, CodeVerifier: verifier, CallbackURL: callbackURL}
	if err := s.putPending(ctx, PendingOAuthState, state, rec, s.clock().Add(oauthStateTTL)); err != nil {
		return "", err
	}
	return p.AuthCodeURL(state, verifier, s.SocialRedirectURI(providerID)), nil
}

// SocialCallbackResult is the outcome of a provider callback.
type SocialCallbackResult struct {
	User        *store.User
	Session     *store.Session
	CallbackURL string
	NewUser     bool
}

// SocialCallback completes the flow started by SocialAuthorizeURL. The
// identity is linked to an existing user with the same verified email, or a
// new user is created.
func (s *Service) SocialCallback(ctx context.Context, providerID, code, state string, info RequestInfo) (*SocialCallbackResult, error) {
	p, ok := s.providers[providerID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	var rec oauthStateRecord
	if err := s.getPending(ctx, PendingOAuthState, state, &rec, true); err != nil {
		if errors.Is(err, ErrPendingNotFound) {
			return nil, ErrInvalidOAuthState
		}
		return nil, err
	}
	if rec.Provider != providerID || code == "" {
		return nil, ErrInvalidOAuthState
	}

	prof, err := p.Exchange(ctx, code, rec.CodeVerifier, s.SocialRedirectURI(providerID))
	if err != nil {
		s.logger.Warn("social sign-in exchange failed", "provider", providerID, "error", err)
		return nil, ErrSocialSignInFailed
	}
	if prof.ID == "" {
		return nil, ErrSocialSignInFailed
	}

	user, created, err := s.userForProfile(ctx, providerID, prof)
	if err != nil {
		return nil, err
	}
	if s.cfg.RequireEmailVerification && !user.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	sess, err := s.CreateSession(ctx, user.ID, true, info)
	if err != nil {
		return nil, err
	}
	return &SocialCallbackResult{User: user, Session: sess, CallbackURL: rec.CallbackURL, NewUser: created}, nil
}

func (s *Service) userForProfile(ctx context.Context, providerID string, prof *SocialProfile) (*store.User, bool, error) {
	acct, err := s.store.AccountByProvider(ctx, providerID, prof.ID)
	switch {
	case err == nil:
		u, err := s.user(ctx, acct.UserID)
		return u, false, err
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, err
	}

	email := store.NormalizeEmail(prof.Email)
	if email == "" || !prof.EmailVerified {
		return nil, false, ErrSocialEmailNotAvailable
	}
	link := &store.Account{
		ID:         uuid.New(),
		ProviderID: providerID,
		AccountID:  prof.ID,
	}

	existing, err := s.store.UserByEmail(ctx, email)
	switch {
	case err == nil:
		link.UserID = existing.ID
		if err := s.store.CreateAccount(ctx, link); err != nil {
			return nil, false, err
		}
		update := store.UserUpdate{}
		if !existing.EmailVerified {
			verified := true
			update.EmailVerified = &verified
		}
		if existing.Image == "" && prof.Image != "" {
			update.Image = &prof.Image
		}
		u, err := s.store.UpdateUser(ctx, existing.ID, update)
		return u, false, err
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, err
	}

	user := &store.User{
		ID:            uuid.New(),
		Name:          firstNonEmpty(prof.Name, email),
		Email:         email,
		EmailVerified: true,
		Image:         prof.Image,
	}
	if err := s.store.CreateUser(ctx, user, link); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, false, ErrUserAlreadyExists
		}
		return nil, false, err
	}
	s.logger.Info("user signed up with provider", "user_id", user.ID, "provider", providerID)
	return user, true, nil
}
