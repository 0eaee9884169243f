// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// SessionConfig configures the third-party platform session.
type SessionConfig struct {
	BaseURL   string
	Email     string
	Password  string
	FilePath  string        // where the serialized session lives
	TTL       time.Duration // validity window measured from original login
	LoginPath string        // defaults to /login
	ProbePath string        // protected page used to verify auth, defaults to /account
}

// SessionManager holds the authenticated session against the external
// platform: a cookie jar, the authenticated profile, and a persisted copy on
// disk. All access to session state is serialized; a 401 mid-batch triggers
// exactly one re-login (see authTransport).
type SessionManager struct {
	mu        sync.Mutex
	cfg       SessionConfig
	base      *url.URL
	jar       *sessionJar
	client    *http.Client
	session   *Session
	analytics AnalyticsSink
	logger    *slog.Logger
}

func NewSessionManager(cfg SessionConfig, analytics AnalyticsSink, logger *slog.Logger) (*SessionManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if analytics == nil {
		analytics = NopAnalytics{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/account"
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := newSessionJar()
	if err != nil {
		return nil, err
	}
	sm := &SessionManager{
		cfg:       cfg,
		base:      base,
		jar:       jar,
		analytics: analytics,
		logger:    logger.With("component", "session"),
	}
	sm.client = &http.Client{
		Jar:       jar,
		Timeout:   DefaultHTTPTimeout,
		Transport: &authTransport{sm: sm, base: http.DefaultTransport},
	}
	return sm, nil
}

// Client returns the HTTP client that attaches session cookies to every
// request and transparently re-authenticates once on 401.
func (sm *SessionManager) Client() *http.Client { return sm.client }

// Authenticated reports whether an in-memory session exists.
func (sm *SessionManager) Authenticated() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.session != nil
}

// Profile returns a copy of the authenticated user profile, if any.
func (sm *SessionManager) Profile() (UserProfile, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.session == nil {
		return UserProfile{}, false
	}
	return sm.session.User, true
}

// Login submits the platform login form and verifies authentication through
// a protected-page probe. On success the session (cookies + profile) is
// persisted immediately. Failure records an analytics event and returns
// ErrAuthentication.
func (sm *SessionManager) Login(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		sm.recordLoginFailure(ctx, email, "missing credentials")
		return fmt.Errorf("%w: missing credentials", ErrAuthentication)
	}

	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sm.resolve(sm.cfg.LoginPath), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	sm.mu.Lock()
	jar := sm.jar
	sm.mu.Unlock()

	// Bypass the 401-retry transport for the login request itself.
	plain := &http.Client{Jar: jar, Timeout: DefaultHTTPTimeout}
	resp, err := plain.Do(req)
	if err != nil {
		sm.recordLoginFailure(ctx, email, err.Error())
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	resp.Body.Close()

	profile, ok := sm.probe(ctx, plain)
	if !ok {
		sm.recordLoginFailure(ctx, email, "post-login verification failed")
		return fmt.Errorf("%w: post-login verification failed", ErrAuthentication)
	}
	if profile.Email == "" {
		profile.Email = email
	}

	sm.mu.Lock()
	sm.session = &Session{
		Cookies:   sm.snapshotCookies(),
		User:      profile,
		Timestamp: time.Now().UTC(),
	}
	err = sm.persistLocked()
	sm.mu.Unlock()
	if err != nil {
		sm.logger.Warn("session persist failed", "error", err)
	}

	sm.logger.Info("logged in", "email", email, "account_type", profile.AccountType)
	sm.analytics.RecordEvent(ctx, AnalyticsEvent{
		EventType:  "session_login",
		EntityType: "session",
		UserID:     profile.ID,
	})
	return nil
}

// EnsureAuthenticated makes sure a usable session exists: the in-memory one,
// a persisted one younger than the TTL, or a fresh login with the configured
// credentials, in that order.
func (sm *SessionManager) EnsureAuthenticated(ctx context.Context) error {
	if sm.Authenticated() {
		return nil
	}
	if sm.LoadSession() {
		return nil
	}
	return sm.Login(ctx, sm.cfg.Email, sm.cfg.Password)
}

// probe fetches the protected page and extracts the user profile from it.
// A page that still shows a login form means the submission did not take.
func (sm *SessionManager) probe(ctx context.Context, client *http.Client) (UserProfile, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sm.resolve(sm.cfg.ProbePath), nil)
	if err != nil {
		return UserProfile{}, false
	}
	probeClient := *client
	probeClient.Timeout = DefaultProbeTimeout
	resp, err := probeClient.Do(req)
	if err != nil {
		return UserProfile{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UserProfile{}, false
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return UserProfile{}, false
	}
	if doc.Find(`form[action*="login"], input[name="password"]`).Length() > 0 {
		return UserProfile{}, false
	}
	return UserProfile{
		ID:          textFrom(doc.Selection, []string{"[data-user-id]", ".user-id"}, ""),
		DisplayName: textFrom(doc.Selection, []string{".account-name", ".user-name", "h1"}, ""),
		Email:       textFrom(doc.Selection, []string{".account-email", ".user-email"}, ""),
		AccountType: textFrom(doc.Selection, []string{".account-type", ".membership"}, "standard"),
	}, true
}

// LoadSession restores a persisted session if one exists and is younger
// than the TTL. Absence or expiry is a normal outcome, not an error.
func (sm *SessionManager) LoadSession() bool {
	data, err := os.ReadFile(sm.cfg.FilePath)
	if err != nil {
		return false
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		sm.logger.Warn("discarding unreadable session file", "error", err)
		return false
	}
	if time.Since(sess.Timestamp) >= sm.cfg.TTL {
		sm.logger.Info("persisted session expired", "age", time.Since(sess.Timestamp))
		return false
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.session = &sess
	cookies := make([]*http.Cookie, 0, len(sess.Cookies))
	for _, c := range sess.Cookies {
		cookies = append(cookies, &http.Cookie{
			Name: c.Name, Value: c.Value, Path: c.Path, Expires: c.Expires,
		})
	}
	sm.jar.SetCookies(sm.base, cookies)
	return true
}

// Logout clears in-memory state and deletes the persisted session file.
// Idempotent: logging out while logged out is a no-op.
func (sm *SessionManager) Logout() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.clearLocked()
}

func (sm *SessionManager) clearLocked() {
	sm.session = nil
	sm.jar.reset()
	if sm.cfg.FilePath != "" {
		_ = os.Remove(sm.cfg.FilePath)
	}
}

// refreshFromResponse re-persists cookie state after a response that could
// have rotated session cookies. The login timestamp is deliberately not
// refreshed: TTL runs from the original login.
func (sm *SessionManager) refreshFromResponse(resp *http.Response) {
	if len(resp.Cookies()) == 0 {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.session == nil {
		return
	}
	// The jar only learns response cookies after the client finishes the
	// round trip, so fold them in here before snapshotting.
	sm.jar.SetCookies(sm.base, resp.Cookies())
	sm.session.Cookies = sm.snapshotCookies()
	if err := sm.persistLocked(); err != nil {
		sm.logger.Warn("session re-persist failed", "error", err)
	}
}

// relogin drops the current session and performs a single login attempt
// with the configured credentials. Called by the transport on 401.
func (sm *SessionManager) relogin(ctx context.Context) error {
	sm.mu.Lock()
	sm.clearLocked()
	sm.mu.Unlock()
	return sm.Login(ctx, sm.cfg.Email, sm.cfg.Password)
}

func (sm *SessionManager) cookiesFor(u *url.URL) []*http.Cookie {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.jar.Cookies(u)
}

func (sm *SessionManager) snapshotCookies() []SessionCookie {
	raw := sm.jar.Cookies(sm.base)
	out := make([]SessionCookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, SessionCookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path, Expires: c.Expires,
		})
	}
	return out
}

func (sm *SessionManager) persistLocked() error {
	if sm.cfg.FilePath == "" || sm.session == nil {
		return nil
	}
	data, err := json.MarshalIndent(sm.session, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(sm.cfg.FilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := sm.cfg.FilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, sm.cfg.FilePath)
}

func (sm *SessionManager) recordLoginFailure(ctx context.Context, email, reason string) {
	sm.logger.Warn("login failed", "email", email, "reason", reason)
	sm.analytics.RecordEvent(ctx, AnalyticsEvent{
		EventType:  "session_login_failed",
		EntityType: "session",
		Metadata:   map[string]any{"reason": reason},
	})
}

func (sm *SessionManager) resolve(path string) string {
	u := *sm.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// sessionJar is the one cookie jar the shared HTTP client ever holds.
// http.Client reads its Jar field without synchronization, so logout and
// re-login must not reassign it while batch goroutines are mid-request;
// instead the inner jar is swapped under a lock.
type sessionJar struct {
	mu    sync.RWMutex
	inner *cookiejar.Jar
}

func newSessionJar() (*sessionJar, error) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &sessionJar{inner: inner}, nil
}

func (j *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.inner.SetCookies(u, cookies)
}

func (j *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.inner.Cookies(u)
}

// reset drops every cookie by swapping in a fresh inner jar.
func (j *sessionJar) reset() {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return
	}
	j.mu.Lock()
	j.inner = inner
	j.mu.Unlock()
}

// authTransport propagates session cookies (via the client's jar), snapshots
// rotated cookies back to disk, and on a 401 performs one re-login before
// retrying the request. Only requests that can be safely replayed (no body,
// or a rewindable one) are retried.
type authTransport struct {
	sm   *SessionManager
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.sm.refreshFromResponse(resp)
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}
	resp.Body.Close()

	if err := t.sm.relogin(req.Context()); err != nil {
		t.sm.logger.Warn("re-login after 401 failed", "url", req.URL.String(), "error", err)
		return nil, err
	}

	retry := req.Clone(req.Context())
	// The client applied jar cookies before this round trip, so the clone
	// still carries the stale session cookie. Swap in the fresh ones.
	retry.Header.Del("Cookie")
	for _, c := range t.sm.cookiesFor(retry.URL) {
		retry.AddCookie(c)
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	resp, err = t.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	t.sm.refreshFromResponse(resp)
	return resp, nil
}
