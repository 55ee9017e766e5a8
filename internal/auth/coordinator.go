package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"lumen/internal/credentials"
	"lumen/internal/logging"
	"lumen/internal/outcome"
	"lumen/internal/telemetry"
)

// AuthState is the coordinator's externally visible sign-in state.
type AuthState string

const (
	StateUnauthenticated       AuthState = "unauthenticated"
	StateAwaitingAuthorization AuthState = "awaiting_authorization"
	StateAuthenticated         AuthState = "authenticated"
)

// DeviceAuthState is what a UI needs to show during a device-flow session.
type DeviceAuthState struct {
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
}

const (
	defaultPollInterval = 5 * time.Second
	maxPollInterval     = 30 * time.Second
	slowDownStep        = 5 * time.Second
)

// Coordinator owns the sign-in lifecycle: device-flow sessions, personal
// access tokens and the persisted credential. All state behind one mutex;
// the poll goroutine never holds it across a network call.
type Coordinator struct {
	client         OAuthClient
	store          credentials.Store
	reporter       telemetry.Reporter
	clientID       string
	supportContact string

	// beginMu serializes whole begin sequences so only one device
	// session is ever being set up at a time.
	beginMu sync.Mutex

	mu         sync.Mutex
	state      AuthState
	deviceAuth *DeviceAuthState
	account    *Account
	lastError  string
	cancelPoll context.CancelFunc
	pollDone   chan struct{}
	generation int
	listeners  []func(AuthState)
}

// NewCoordinator creates a coordinator. A credential already on disk puts
// it straight into the authenticated state; the account is filled in by
// the next RefreshAccount.
func NewCoordinator(client OAuthClient, store credentials.Store, reporter telemetry.Reporter, clientID, supportContact string) *Coordinator {
	c := &Coordinator{
		client:         client,
		store:          store,
		reporter:       reporter,
		clientID:       clientID,
		supportContact: supportContact,
		state:          StateUnauthenticated,
	}

	cred, err := store.Credential()
	if err != nil {
		logging.Warning("Failed to read persisted credential: %v", err)
	} else if cred != nil {
		c.state = StateAuthenticated
	}

	return c
}

// State returns the current sign-in state.
func (c *Coordinator) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Account returns the signed-in account, or nil when unknown.
func (c *Coordinator) Account() *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// DeviceAuthorization returns the active device session, or nil.
func (c *Coordinator) DeviceAuthorization() *DeviceAuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceAuth
}

// LastError returns the user-facing message for the most recent sign-in
// problem: why the last device session ended without a grant, or a
// slow-down notice while one is still polling. Cleared when a new session
// starts and when sign-in succeeds.
func (c *Coordinator) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// AccessToken returns the persisted bearer token, or "" when signed out.
func (c *Coordinator) AccessToken() string {
	cred, err := c.store.Credential()
	if err != nil || cred == nil {
		return ""
	}
	return cred.AccessToken
}

// OnStateChange registers a listener. Listeners are invoked outside the
// coordinator lock, in registration order.
func (c *Coordinator) OnStateChange(fn func(AuthState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// BeginDeviceAuthorization starts a device-flow session, replacing any
// session already in progress. Concurrent calls are serialized; the later
// caller's session wins. A blank client id fails before any network
// traffic.
func (c *Coordinator) BeginDeviceAuthorization(ctx context.Context, scope string) outcome.Result[DeviceAuthState] {
	if strings.TrimSpace(c.clientID) == "" {
		return recoverableResult[DeviceAuthState](c, "no OAuth client id is configured", nil, defaultPollInterval)
	}

	c.beginMu.Lock()
	defer c.beginMu.Unlock()

	c.CancelDeviceAuthorization()

	resp, err := c.client.RequestDeviceCode(ctx, c.clientID, scope)
	if err != nil {
		return translateOAuthError[DeviceAuthState](c, "failed to start device authorization", err)
	}

	interval := defaultPollInterval
	if resp.Interval > 0 {
		interval = time.Duration(resp.Interval) * time.Second
	}
	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)

	state := DeviceAuthState{
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		ExpiresAt:               expiresAt,
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.state = StateAwaitingAuthorization
	c.deviceAuth = &state
	c.lastError = ""
	c.cancelPoll = cancel
	c.pollDone = done
	c.generation++
	gen := c.generation
	c.mu.Unlock()
	c.notify(StateAwaitingAuthorization)

	go c.poll(pollCtx, done, gen, resp.DeviceCode, interval, expiresAt)

	return outcome.Ok(state)
}

// CancelDeviceAuthorization abandons the active device session. Calling
// it without a session is a no-op.
func (c *Coordinator) CancelDeviceAuthorization() {
	c.mu.Lock()
	cancel := c.cancelPoll
	done := c.pollDone
	c.cancelPoll = nil
	c.pollDone = nil
	hadSession := c.state == StateAwaitingAuthorization
	if hadSession {
		c.state = StateUnauthenticated
		c.deviceAuth = nil
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if hadSession {
		c.notify(StateUnauthenticated)
	}
}

// poll drives one device session until grant, denial, expiry or cancel.
func (c *Coordinator) poll(ctx context.Context, done chan struct{}, gen int, deviceCode string, interval time.Duration, expiresAt time.Time) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if time.Now().After(expiresAt) {
			c.reporter.Report("auth", outcome.KindRecoverable, "device authorization expired before approval", nil)
			c.endSession(gen, StateUnauthenticated, "The sign-in request expired before it was approved. Start again to get a new code.")
			return
		}

		tok, err := c.client.ExchangeDeviceCode(ctx, c.clientID, deviceCode)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var oe *OAuthError
			if errors.As(err, &oe) {
				switch oe.Code {
				case ErrAuthorizationPending:
					continue
				case ErrSlowDown:
					interval = bumpInterval(interval)
					c.setSessionMessage(gen, fmt.Sprintf("The sign-in service asked us to slow down. Checking again in %d seconds.", int(interval/time.Second)))
					continue
				case ErrExpiredToken:
					c.reporter.Report("auth", outcome.KindRecoverable, "device code expired", nil)
					c.endSession(gen, StateUnauthenticated, "The sign-in code expired. Start again to get a new code.")
					return
				case ErrAccessDenied:
					c.reporter.Report("auth", outcome.KindRecoverable, "user denied the authorization request", nil)
					c.endSession(gen, StateUnauthenticated, "The sign-in request was denied.")
					return
				default:
					msg := "Sign-in failed: " + oe.Code
					if oe.Description != "" {
						msg = "Sign-in failed: " + oe.Description
					}
					c.reporter.Report("auth", outcome.KindFatal, "authorization server rejected the device session", map[string]string{"code": oe.Code})
					c.endSession(gen, StateUnauthenticated, msg)
					return
				}
			}
			logging.Warning("Device token poll failed: %v", err)
			c.reporter.Report("auth", outcome.KindRecoverable, "could not reach the authorization server", map[string]string{"error": err.Error()})
			c.endSession(gen, StateUnauthenticated, "Could not reach the sign-in service. Check your connection and try again.")
			return
		}

		c.completeGrant(ctx, gen, tok)
		return
	}
}

// completeGrant persists the granted token and resolves the account.
func (c *Coordinator) completeGrant(ctx context.Context, gen int, tok *TokenResponse) {
	rotatesAfter := time.Time{}
	if tok.ExpiresIn > 0 {
		rotatesAfter = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	if err := c.store.SaveAccessToken(tok.AccessToken, credentials.SourceOAuth, rotatesAfter, nil); err != nil {
		c.reporter.Report("auth", outcome.KindFatal, "failed to persist credential", map[string]string{"error": err.Error()})
		c.endSession(gen, StateUnauthenticated, "Sign-in succeeded but the credential could not be saved.")
		return
	}

	account, err := c.client.GetCurrentUser(ctx, tok.AccessToken)
	if err != nil {
		// The grant stands; account details arrive on the next refresh.
		logging.Warning("Failed to resolve account after grant: %v", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticated
	c.deviceAuth = nil
	c.account = account
	c.lastError = ""
	c.cancelPoll = nil
	c.pollDone = nil
	c.mu.Unlock()
	c.notify(StateAuthenticated)
}

// endSession moves a finished poll session to its terminal state unless a
// newer session has replaced it. The message is kept for LastError so the
// caller can tell the user why the session ended.
func (c *Coordinator) endSession(gen int, state AuthState, message string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.deviceAuth = nil
	c.lastError = message
	c.cancelPoll = nil
	c.pollDone = nil
	c.mu.Unlock()
	c.notify(state)
}

// setSessionMessage updates LastError for a session still in progress.
func (c *Coordinator) setSessionMessage(gen int, message string) {
	c.mu.Lock()
	if gen == c.generation {
		c.lastError = message
	}
	c.mu.Unlock()
}

// SavePersonalAccessToken stores a manually entered token. The token is
// verified against the account service; a rejected token restores
// whatever credential was there before.
func (c *Coordinator) SavePersonalAccessToken(ctx context.Context, raw string) outcome.Result[Account] {
	token := strings.TrimSpace(raw)
	if token == "" {
		return recoverableResult[Account](c, "access token is blank", nil, 0)
	}

	prior, err := c.store.Credential()
	if err != nil {
		return recoverableResult[Account](c, "failed to read persisted credential", err, 0)
	}

	if err := c.store.SaveAccessToken(token, credentials.SourcePersonalAccessToken, time.Time{}, nil); err != nil {
		return recoverableResult[Account](c, "failed to persist credential", err, 0)
	}

	account, err := c.client.GetCurrentUser(ctx, token)
	if err != nil {
		c.restoreCredential(prior)
		return translateOAuthError[Account](c, "token verification failed", err)
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.account = account
	c.deviceAuth = nil
	c.lastError = ""
	c.mu.Unlock()
	c.notify(StateAuthenticated)

	return outcome.Ok(*account)
}

// RefreshAccount re-resolves the signed-in account. A rejected credential
// is cleared; transient failures leave it untouched.
func (c *Coordinator) RefreshAccount(ctx context.Context) outcome.Result[Account] {
	cred, err := c.store.Credential()
	if err != nil {
		return recoverableResult[Account](c, "failed to read persisted credential", err, 0)
	}
	if cred == nil {
		c.mu.Lock()
		c.state = StateUnauthenticated
		c.account = nil
		c.mu.Unlock()
		return recoverableResult[Account](c, "not signed in", nil, 0)
	}

	account, err := c.client.GetCurrentUser(ctx, cred.AccessToken)
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) && oe.StatusCode == http.StatusUnauthorized {
			if clearErr := c.store.ClearAccessToken(); clearErr != nil {
				logging.Warning("Failed to clear rejected credential: %v", clearErr)
			}
			c.mu.Lock()
			c.state = StateUnauthenticated
			c.account = nil
			c.mu.Unlock()
			c.notify(StateUnauthenticated)
			return fatalResult[Account](c, "session is no longer valid, sign in again", err)
		}
		return recoverableResult[Account](c, "failed to reach the account service", err, 0)
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.account = account
	c.mu.Unlock()

	return outcome.Ok(*account)
}

// SignOut clears the persisted credential and all session state.
func (c *Coordinator) SignOut() error {
	c.CancelDeviceAuthorization()
	if err := c.store.ClearAccessToken(); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	c.mu.Lock()
	c.state = StateUnauthenticated
	c.account = nil
	c.mu.Unlock()
	c.notify(StateUnauthenticated)
	return nil
}

func (c *Coordinator) notify(state AuthState) {
	c.mu.Lock()
	listeners := make([]func(AuthState), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// bumpInterval applies the server's slow_down backoff, capped so a long
// session cannot drift into minutes between polls.
func bumpInterval(d time.Duration) time.Duration {
	d += slowDownStep
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}

// restoreCredential puts back whatever credential preceded a failed save,
// clearing the store when there was none.
func (c *Coordinator) restoreCredential(prior *credentials.SecretCredential) {
	var err error
	if prior == nil {
		err = c.store.ClearAccessToken()
	} else {
		err = c.store.SaveAccessToken(prior.AccessToken, prior.Source, prior.RotatesAfter, prior.Metadata)
	}
	if err != nil {
		logging.Warning("Failed to restore prior credential: %v", err)
	}
}

// recoverableResult builds a RecoverableError, reporting it once. A zero
// retryAfter means retry whenever the user is ready.
func recoverableResult[T any](c *Coordinator, message string, cause error, retryAfter time.Duration) outcome.Result[T] {
	id := c.reporter.Report("auth", outcome.KindRecoverable, message, nil)
	res := outcome.Recoverable[T](message, cause)
	if retryAfter > 0 {
		res = res.WithRetryAfter(retryAfter)
	}
	res.TelemetryID = id
	return res
}

// fatalResult builds a FatalError, reporting it once.
func fatalResult[T any](c *Coordinator, message string, cause error) outcome.Result[T] {
	id := c.reporter.Report("auth", outcome.KindFatal, message, nil)
	res := outcome.Fatal[T](message, cause).WithSupportContact(c.supportContact)
	res.TelemetryID = id
	return res
}

// translateOAuthError maps authorization server failures onto the outcome
// taxonomy. Denials and other client errors are fatal; network trouble
// and server errors are recoverable.
func translateOAuthError[T any](c *Coordinator, message string, err error) outcome.Result[T] {
	var oe *OAuthError
	if errors.As(err, &oe) {
		if oe.StatusCode >= 400 && oe.StatusCode < 500 && oe.StatusCode != http.StatusTooManyRequests {
			return fatalResult[T](c, fmt.Sprintf("%s: %s", message, oe.Code), err)
		}
		return recoverableResult[T](c, fmt.Sprintf("%s: %s", message, oe.Code), err, defaultPollInterval)
	}
	return recoverableResult[T](c, message, err, defaultPollInterval)
}
