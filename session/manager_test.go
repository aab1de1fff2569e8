package session

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/marketwire/brokerauth/cache"
	"github.com/marketwire/brokerauth/credential"
	"github.com/marketwire/brokerauth/workflow"
)

const testBaseURL = "https://broker.test/"

var fullTokenBody = `{"access_token":"token","expires_in":1000,"refresh_token":"refresh","token_type":"Bearer","scope":"internal"}`

// fakeAdapter replays canned responses per URL; the last response for a URL
// repeats once consumed. A nil entry simulates a transport failure.
type fakeAdapter struct {
	mu        sync.Mutex
	responses map[string][]*string
	requests  map[string][][]byte
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		responses: map[string][]*string{},
		requests:  map[string][][]byte{},
	}
}

func (a *fakeAdapter) script(path string, responses ...*string) {
	a.responses[testBaseURL+path] = responses
}

func body(s string) *string { return &s }

func (a *fakeAdapter) next(url string, payload []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests[url] = append(a.requests[url], payload)
	queue, ok := a.responses[url]
	if !ok || len(queue) == 0 {
		return nil, errors.New("unexpected request to " + url)
	}
	next := queue[0]
	if len(queue) > 1 {
		a.responses[url] = queue[1:]
	}
	if next == nil {
		return nil, errors.New("scripted transport failure")
	}
	return []byte(*next), nil
}

func (a *fakeAdapter) Post(_ context.Context, url string, payload []byte, _ bool) ([]byte, error) {
	return a.next(url, payload)
}

func (a *fakeAdapter) Get(_ context.Context, url string) ([]byte, error) {
	return a.next(url, nil)
}

func (a *fakeAdapter) postCount(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests[testBaseURL+path])
}

func newTestManager(t *testing.T, adapter *fakeAdapter, c *cache.Cache) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Username: "user",
		Password: "pass",
		BaseURL:  testBaseURL,
		Adapter:  adapter,
		Cache:    c,
		Engine: workflow.New(adapter, testBaseURL, nil,
			workflow.WithPollInterval(time.Millisecond),
			workflow.WithDeadline(2*time.Second)),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func newFileCache(t *testing.T) *cache.Cache {
	t.Helper()
	store, err := cache.NewFileStore(filepath.Join(t.TempDir(), "login"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return cache.New(store, cache.PlainCodec{})
}

func scriptApprovedWorkflow(adapter *fakeAdapter) {
	adapter.script("pathfinder/user_machine/", body(`{"id":"machine123"}`))
	adapter.responses[testBaseURL+"pathfinder/inquiries/machine123/user_view/"] = []*string{
		body(`{"context":{}}`),
		body(`{"type_context":{"result":"workflow_status_approved"}}`),
	}
}

func TestLoginWithDirectTokens(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.script(tokenPath, body(fullTokenBody))
	m := newTestManager(t, adapter, newFileCache(t))

	cred, err := m.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if cred.AccessToken != "token" {
		t.Fatalf("access token = %q, want %q", cred.AccessToken, "token")
	}

	payload, err := url.ParseQuery(string(adapter.requests[testBaseURL+tokenPath][0]))
	if err != nil {
		t.Fatalf("parse login payload: %v", err)
	}
	if payload.Get("grant_type") != "password" || payload.Get("username") != "user" {
		t.Fatalf("unexpected login payload: %v", payload)
	}
	if payload.Get("device_token") == "" {
		t.Fatal("login payload is missing the device token")
	}
}

func TestLoginThroughVerificationWorkflow(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.script(tokenPath,
		body(`{"verification_workflow":{"id":"workflow123"}}`),
		body(fullTokenBody))
	scriptApprovedWorkflow(adapter)
	m := newTestManager(t, adapter, newFileCache(t))

	cred, err := m.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if cred.AccessToken != "token" {
		t.Fatalf("access token = %q, want %q", cred.AccessToken, "token")
	}
	if got := adapter.postCount(tokenPath); got != 2 {
		t.Fatalf("login posts = %d, want the login re-issued after workflow approval", got)
	}
}

func TestLoginWithoutTokensOrWorkflow(t *testing.T) {
	for name, response := range map[string]string{
		"error body":    `{"error":"Some error"}`,
		"empty body":    `{}`,
		"null workflow": `{"verification_workflow":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			adapter := newFakeAdapter()
			adapter.script(tokenPath, body(response))
			m := newTestManager(t, adapter, nil)

			_, err := m.Login(context.Background())
			if !errors.Is(err, ErrAuthentication) {
				t.Fatalf("Login = %v, want ErrAuthentication", err)
			}
			if !strings.Contains(err.Error(), "no verification workflow found") {
				t.Fatalf("Login error %q should mention the missing workflow", err)
			}
		})
	}
}

func TestLoginWorkflowNeverResolves(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.script(tokenPath, body(`{"verification_workflow":{"id":"workflow123"}}`))
	adapter.script("pathfinder/user_machine/", body(`{"id":"machine123"}`))
	adapter.responses[testBaseURL+"pathfinder/inquiries/machine123/user_view/"] = []*string{
		body(`{"context":{}}`),
		body(`{"verification_workflow":{"workflow_status":"workflow_status_denied"}}`),
	}
	m := newTestManager(t, adapter, nil)

	_, err := m.Login(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Login = %v, want ErrAuthentication", err)
	}
	if !errors.Is(err, workflow.ErrWorkflowTimeout) {
		t.Fatalf("Login = %v, want the workflow timeout preserved in the chain", err)
	}
}

func TestLoginUsesValidCachedCredential(t *testing.T) {
	c := newFileCache(t)
	saved := credential.New("cached", "refresh", "Bearer", "internal", 1000, time.Now())
	if err := c.Save(context.Background(), saved, "userpass"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// No responses scripted: any network call fails the test.
	m := newTestManager(t, newFakeAdapter(), c)
	cred, err := m.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if cred.AccessToken != "cached" {
		t.Fatalf("access token = %q, want the cached credential", cred.AccessToken)
	}
}

func TestLoginPropagatesCorruptCache(t *testing.T) {
	store, err := cache.NewFileStore(filepath.Join(t.TempDir(), "login"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err = store.Write(context.Background(), []byte(`not an object`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	m := newTestManager(t, newFakeAdapter(), cache.New(store, cache.PlainCodec{}))
	if _, err = m.Login(context.Background()); !errors.Is(err, cache.ErrCorruptCache) {
		t.Fatalf("Login = %v, want ErrCorruptCache", err)
	}
}

func TestRefreshSuccess(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.script(tokenPath, body(fullTokenBody))
	m := newTestManager(t, adapter, newFileCache(t))

	old := credential.New("old", "refresh", "Bearer", "internal", 1000, time.Now())
	m.cred = &old

	cred, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if cred.AccessToken != "token" {
		t.Fatalf("access token = %q, want %q", cred.AccessToken, "token")
	}

	payload, err := url.ParseQuery(string(adapter.requests[testBaseURL+tokenPath][0]))
	if err != nil {
		t.Fatalf("parse refresh payload: %v", err)
	}
	if payload.Get("grant_type") != "refresh_token" || payload.Get("refresh_token") != "refresh" {
		t.Fatalf("unexpected refresh payload: %v", payload)
	}
}

func TestRefreshRejectionLeavesCredentialUntouched(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.script(tokenPath, body(`{"error":"invalid_grant"}`))
	m := newTestManager(t, adapter, nil)

	old := credential.New("old", "refresh", "Bearer", "internal", 1000, time.Now())
	m.cred = &old

	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Refresh = %v, want ErrAuthentication", err)
	}
	if m.cred == nil || m.cred.AccessToken != "old" {
		t.Fatalf("cached credential changed on a rejected refresh: %+v", m.cred)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	m := newTestManager(t, newFakeAdapter(), nil)
	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Refresh = %v, want ErrAuthentication", err)
	}
}

func TestTokenFallsBackToLoginWhenRefreshRejected(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.script(tokenPath,
		body(`{"error":"invalid_grant"}`),
		body(fullTokenBody))
	m := newTestManager(t, adapter, nil)

	expired := credential.New("expired", "refresh", "Bearer", "internal", -10, time.Now())
	m.cred = &expired

	cred, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if cred.AccessToken != "token" {
		t.Fatalf("access token = %q, want the re-login result", cred.AccessToken)
	}
	if got := adapter.postCount(tokenPath); got != 2 {
		t.Fatalf("token posts = %d, want refresh attempt then login", got)
	}
}

func TestTokenReturnsValidCredentialWithoutNetwork(t *testing.T) {
	m := newTestManager(t, newFakeAdapter(), nil)
	valid := credential.New("valid", "", "Bearer", "internal", 1000, time.Now())
	m.cred = &valid

	cred, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if cred.AccessToken != "valid" {
		t.Fatalf("access token = %q", cred.AccessToken)
	}
}

func TestLogoutClearsLocallyEvenWhenRevokeFails(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.script(revokePath, nil)
	c := newFileCache(t)
	m := newTestManager(t, adapter, c)

	cred := credential.New("token", "refresh", "Bearer", "internal", 1000, time.Now())
	if err := m.persist(context.Background(), cred); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if m.cred != nil {
		t.Fatal("in-memory credential survived logout")
	}
	loaded, err := c.Load(context.Background(), m.cacheSecret())
	if err != nil || loaded != nil {
		t.Fatalf("durable record survived logout: (%v, %v)", loaded, err)
	}
	if got := adapter.postCount(revokePath); got != 1 {
		t.Fatalf("revoke posts = %d, want 1", got)
	}
}

func TestManagersAreIndependent(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.script(tokenPath, body(fullTokenBody))

	first := newTestManager(t, adapter, nil)
	second := newTestManager(t, adapter, nil)
	if first.DeviceToken() == second.DeviceToken() {
		t.Fatal("managers must not share generated device tokens")
	}

	if _, err := first.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if second.cred != nil {
		t.Fatal("login on one manager leaked into another")
	}
}

func TestNewManagerLeavesGlobalLoggerUntouched(t *testing.T) {
	std := log.StandardLogger()
	formatter := std.Formatter
	reportCaller := std.ReportCaller

	newTestManager(t, newFakeAdapter(), nil)

	if std.Formatter != formatter {
		t.Fatal("NewManager replaced the global log formatter")
	}
	if std.ReportCaller != reportCaller {
		t.Fatal("NewManager toggled global caller reporting")
	}
}
