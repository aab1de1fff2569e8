// Package session orchestrates login, refresh, and logout against the
// brokerage authentication service, composing the token cache, the transport
// adapter, and the verification workflow engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/marketwire/brokerauth/cache"
	"github.com/marketwire/brokerauth/credential"
	"github.com/marketwire/brokerauth/transport"
	"github.com/marketwire/brokerauth/workflow"
)

const (
	// DefaultBaseURL is the brokerage API root.
	DefaultBaseURL = "https://api.robinhood.com/"
	// ClientID identifies this client family to the token endpoint.
	ClientID = "c82SH0WZOsabOXGP2sxqcj34FxkvfnWRZBKlBjFS"
	// DefaultScope is the token scope requested at login.
	DefaultScope = "internal"
	// DefaultTokenLifetime is the requested token lifetime in seconds.
	DefaultTokenLifetime int64 = 86400
	// DefaultChallengeType is the challenge flavor requested at login when
	// the service decides one is needed.
	DefaultChallengeType = "sms"

	tokenPath  = "oauth2/token/"
	revokePath = "oauth2/revoke_token/"
)

// ErrAuthentication signals that login or refresh was rejected by the remote
// service, or that no workflow or token could be extracted from its response.
var ErrAuthentication = errors.New("authentication failed")

// NewDeviceToken mints a fresh device identifier.
func NewDeviceToken() string { return uuid.NewString() }

// Options configures a Manager. Username and Password are required;
// everything else has a usable default.
type Options struct {
	Username string
	Password string
	// DeviceToken identifies this device to the service; generated when
	// empty.
	DeviceToken string
	// BaseURL overrides the API root, mainly for tests.
	BaseURL string
	// ChallengeType is the challenge flavor requested at login.
	ChallengeType string
	// Scope is the requested token scope.
	Scope string
	// TokenLifetime is the requested token lifetime in seconds.
	TokenLifetime int64
	// Adapter performs the HTTP exchanges; defaults to transport.NewHTTPAdapter().
	Adapter transport.Adapter
	// Cache persists credentials across restarts; nil keeps the session
	// in-memory only.
	Cache *cache.Cache
	// Engine drives verification workflows; defaults to a workflow.Engine
	// over Adapter with Prompt.
	Engine *workflow.Engine
	// Prompt solicits SMS/email verification codes; defaults to the console
	// prompt.
	Prompt workflow.CodePrompt
}

// Manager owns one account's session. Each Manager is independently
// constructed and disposed so multiple accounts coexist in one process; a
// single Manager must be serialized externally, it performs no internal
// locking.
type Manager struct {
	username      string
	password      string
	deviceToken   string
	baseURL       string
	challengeType string
	scope         string
	tokenLifetime int64

	adapter transport.Adapter
	cache   *cache.Cache
	engine  *workflow.Engine

	cred *credential.Credential
	now  func() time.Time
}

// NewManager builds a Manager from opts. It never touches process-global
// state; configure the shared logger separately, e.g. via
// config.ConfigureLogging.
func NewManager(opts Options) (*Manager, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, errors.New("session: username and password are required")
	}
	if opts.DeviceToken == "" {
		opts.DeviceToken = NewDeviceToken()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.ChallengeType == "" {
		opts.ChallengeType = DefaultChallengeType
	}
	if opts.Scope == "" {
		opts.Scope = DefaultScope
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = DefaultTokenLifetime
	}
	if opts.Adapter == nil {
		opts.Adapter = transport.NewHTTPAdapter()
	}
	if opts.Prompt == nil {
		opts.Prompt = workflow.ConsolePrompt
	}
	if opts.Engine == nil {
		opts.Engine = workflow.New(opts.Adapter, opts.BaseURL, opts.Prompt)
	}

	return &Manager{
		username:      opts.Username,
		password:      opts.Password,
		deviceToken:   opts.DeviceToken,
		baseURL:       opts.BaseURL,
		challengeType: opts.ChallengeType,
		scope:         opts.Scope,
		tokenLifetime: opts.TokenLifetime,
		adapter:       opts.Adapter,
		cache:         opts.Cache,
		engine:        opts.Engine,
		now:           time.Now,
	}, nil
}

// DeviceToken returns the device identifier in use.
func (m *Manager) DeviceToken() string { return m.deviceToken }

// cacheSecret is the identifying material the cache codec derives its key
// from. Load and Save keyed with the same material interoperate.
func (m *Manager) cacheSecret() string { return m.username + m.password }

// Token returns a valid credential, refreshing or re-logging in as needed.
// This is the method ordinary callers use; Login and Refresh are the
// primitives it composes.
func (m *Manager) Token(ctx context.Context) (credential.Credential, error) {
	if m.cred != nil && m.cred.Valid(m.now()) {
		return *m.cred, nil
	}
	if m.cred != nil && m.cred.CanRefresh() {
		cred, err := m.Refresh(ctx)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrAuthentication) {
			return credential.Credential{}, err
		}
		log.Infof("token refresh rejected, falling back to login: %v", err)
	}
	return m.Login(ctx)
}

// Login returns the cached credential when still valid, otherwise performs a
// full login, driving the verification workflow when the service interposes
// one.
func (m *Manager) Login(ctx context.Context) (credential.Credential, error) {
	if m.cred != nil && m.cred.Valid(m.now()) {
		return *m.cred, nil
	}
	if m.cache != nil {
		cred, err := m.cache.Load(ctx, m.cacheSecret())
		if err != nil {
			return credential.Credential{}, err
		}
		if cred != nil && cred.Valid(m.now()) {
			m.cred = cred
			return *cred, nil
		}
	}

	body, err := m.adapter.Post(ctx, m.baseURL+tokenPath, m.loginPayload(), false)
	if err != nil {
		return credential.Credential{}, err
	}
	if cred, ok := credential.FromTokenResponse(body, m.now()); ok {
		return cred, m.persist(ctx, cred)
	}

	workflowID := gjson.GetBytes(body, "verification_workflow.id").String()
	if workflowID == "" {
		return credential.Credential{}, fmt.Errorf("%w: no verification workflow found", ErrAuthentication)
	}
	if err = m.engine.Run(ctx, m.deviceToken, workflowID); err != nil {
		return credential.Credential{}, fmt.Errorf("%w: verification workflow: %w", ErrAuthentication, err)
	}

	// The workflow is approved; the service authorizes the same login now.
	body, err = m.adapter.Post(ctx, m.baseURL+tokenPath, m.loginPayload(), false)
	if err != nil {
		return credential.Credential{}, err
	}
	cred, ok := credential.FromTokenResponse(body, m.now())
	if !ok {
		return credential.Credential{}, fmt.Errorf("%w: no tokens issued after verification workflow", ErrAuthentication)
	}
	return cred, m.persist(ctx, cred)
}

// Refresh exchanges the refresh token for a new credential. The cached
// credential is replaced in full only on success; refresh tokens may rotate.
func (m *Manager) Refresh(ctx context.Context) (credential.Credential, error) {
	if m.cred == nil || !m.cred.CanRefresh() {
		return credential.Credential{}, fmt.Errorf("%w: no refresh token available", ErrAuthentication)
	}

	body, err := m.adapter.Post(ctx, m.baseURL+tokenPath, m.refreshPayload(), false)
	if err != nil {
		return credential.Credential{}, err
	}
	cred, ok := credential.FromTokenResponse(body, m.now())
	if !ok {
		reason := gjson.GetBytes(body, "error").String()
		if reason == "" {
			reason = "no tokens in refresh response"
		}
		return credential.Credential{}, fmt.Errorf("%w: token refresh rejected: %s", ErrAuthentication, reason)
	}
	return cred, m.persist(ctx, cred)
}

// Logout invalidates the session. Locally-held knowledge is corrected first:
// the in-memory credential and the durable record are cleared even when the
// remote revoke call fails.
func (m *Manager) Logout(ctx context.Context) error {
	cred := m.cred
	m.cred = nil
	if m.cache != nil {
		if err := m.cache.Clear(ctx); err != nil {
			return err
		}
	}

	if cred == nil || !cred.CanRefresh() {
		return nil
	}
	payload := url.Values{}
	payload.Set("client_id", ClientID)
	payload.Set("token", cred.RefreshToken)
	if _, err := m.adapter.Post(ctx, m.baseURL+revokePath, []byte(payload.Encode()), false); err != nil {
		log.Warnf("remote token revoke failed: %v", err)
	}
	return nil
}

// Invalidate drops the in-memory credential so the next Token call consults
// the durable cache again. Cache watchers use this when the record changes
// on disk.
func (m *Manager) Invalidate() { m.cred = nil }

func (m *Manager) persist(ctx context.Context, cred credential.Credential) error {
	m.cred = &cred
	log.WithField("account", m.username).Info("session credentials updated")
	if m.cache == nil {
		return nil
	}
	return m.cache.Save(ctx, cred, m.cacheSecret())
}

func (m *Manager) loginPayload() []byte {
	payload := url.Values{}
	payload.Set("grant_type", "password")
	payload.Set("client_id", ClientID)
	payload.Set("device_token", m.deviceToken)
	payload.Set("expires_in", strconv.FormatInt(m.tokenLifetime, 10))
	payload.Set("scope", m.scope)
	payload.Set("username", m.username)
	payload.Set("password", m.password)
	payload.Set("challenge_type", m.challengeType)
	return []byte(payload.Encode())
}

func (m *Manager) refreshPayload() []byte {
	payload := url.Values{}
	payload.Set("grant_type", "refresh_token")
	payload.Set("client_id", ClientID)
	payload.Set("device_token", m.deviceToken)
	payload.Set("expires_in", strconv.FormatInt(m.tokenLifetime, 10))
	payload.Set("scope", m.scope)
	payload.Set("refresh_token", m.cred.RefreshToken)
	return []byte(payload.Encode())
}
