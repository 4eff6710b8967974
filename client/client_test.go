package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	portier "github.com/mpwsh/portier-client"
	portiererrors "github.com/mpwsh/portier-client/errors"
)

// services stubs the RPC service and the broker. The RPC stub issues the
// session cookie on claim and reports the cookie it received on whoami.
type services struct {
	rpc    *httptest.Server
	broker *httptest.Server

	claim   http.HandlerFunc
	logout  http.HandlerFunc
	whoami  string
	idToken string

	mu     sync.Mutex
	cookie string // last session cookie value seen by whoami
}

func (s *services) lastCookie() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookie
}

// newServices starts the stubs after applying opts.
func newServices(t *testing.T, opts ...func(*services)) *services {
	t.Helper()
	s := &services{whoami: `{"email":"a@b.com"}`, idToken: "tok"}
	for _, opt := range opts {
		opt(s)
	}

	rpc := http.NewServeMux()
	rpc.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("email") == "" {
			http.Error(w, "missing email", http.StatusBadRequest)
			return
		}
		_, _ = fmt.Fprint(w, `{"session":"s1"}`)
	})
	rpc.HandleFunc("POST /claim", func(w http.ResponseWriter, r *http.Request) {
		if s.claim != nil {
			s.claim(w, r)
			return
		}
		if r.FormValue("id_token") != s.idToken {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "id", Value: "s2", Path: "/", HttpOnly: true})
		_, _ = fmt.Fprint(w, "s2")
	})
	rpc.HandleFunc("GET /whoami", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("id")
		if err != nil {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.cookie = c.Value
		s.mu.Unlock()
		_, _ = fmt.Fprint(w, s.whoami)
	})
	rpc.HandleFunc("POST /logout", func(w http.ResponseWriter, r *http.Request) {
		if s.logout != nil {
			s.logout(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	s.rpc = httptest.NewServer(rpc)
	t.Cleanup(s.rpc.Close)

	broker := http.NewServeMux()
	broker.HandleFunc("POST /confirm", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("session") != "s1" || r.FormValue("code") != "123456" {
			http.Error(w, "invalid code", http.StatusForbidden)
			return
		}
		_, _ = fmt.Fprintf(w, `{"id_token":%q}`, s.idToken)
	})
	s.broker = httptest.NewServer(broker)
	t.Cleanup(s.broker.Close)

	return s
}

func (s *services) config(t *testing.T) portier.Config {
	t.Helper()
	cfg := portier.DefaultConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "cookies.json")
	cfg.RPCAddr = s.rpc.URL
	cfg.BrokerAddr = s.broker.URL
	return cfg
}

func newClient(t *testing.T, cfg portier.Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeStore(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func sessionCookieJSON(name, value string, expires time.Time) string {
	return fmt.Sprintf(`[{"domain":"127.0.0.1","path":"/","name":%q,"value":%q,"expires":%q,"host_only":true,"created":"2024-01-01T00:00:00Z"}]`,
		name, value, expires.UTC().Format(time.RFC3339))
}

func TestNew_CreatesMissingStore(t *testing.T) {
	svc := newServices(t)
	cfg := svc.config(t)

	c := newClient(t, cfg)
	assert.Nil(t, c.Session())
	assert.FileExists(t, cfg.StorePath)
	assert.Equal(t, cfg, c.Config())
	assert.Equal(t, 0, c.Store().Len())
}

func TestNew_RestoresSession(t *testing.T) {
	svc := newServices(t)

	tests := []struct {
		name    string
		content string
		want    portier.Session
	}{
		{
			name:    "unexpired session cookie",
			content: sessionCookieJSON("id", "s9", time.Now().Add(time.Hour)),
			want:    portier.NewConfirmed("s9"),
		},
		{
			name:    "expired session cookie",
			content: sessionCookieJSON("id", "s9", time.Now().Add(-time.Hour)),
		},
		{
			name:    "other cookie only",
			content: sessionCookieJSON("theme", "dark", time.Now().Add(time.Hour)),
		},
		{
			name:    "empty store",
			content: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := svc.config(t)
			writeStore(t, cfg.StorePath, tt.content)

			c := newClient(t, cfg)
			assert.Equal(t, tt.want, c.Session())
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := portier.DefaultConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "cookies.json")
	cfg.RPCAddr = "not a url"

	_, err := New(cfg)
	assert.ErrorIs(t, err, portiererrors.ErrConfig)
	assert.NoFileExists(t, cfg.StorePath)
}

func TestNew_CorruptStore(t *testing.T) {
	svc := newServices(t)
	cfg := svc.config(t)
	writeStore(t, cfg.StorePath, "{not json")

	_, err := New(cfg)
	assert.ErrorIs(t, err, portiererrors.ErrStoreCorrupt)
}

func TestNew_WithHTTPClient(t *testing.T) {
	svc := newServices(t)
	base := &http.Client{Timeout: 5 * time.Second}

	c := newClient(t, svc.config(t), WithHTTPClient(base))
	assert.NotSame(t, base, c.HTTPClient())
	assert.Equal(t, 5*time.Second, c.HTTPClient().Timeout)
	assert.NotNil(t, c.HTTPClient().Jar)
	assert.Nil(t, base.Jar, "caller's client is not modified")
}

func TestLoginFlow(t *testing.T) {
	svc := newServices(t)
	cfg := svc.config(t)
	ctx := context.Background()

	c := newClient(t, cfg)

	require.NoError(t, c.Login(ctx, "a@b.com"))
	assert.Equal(t, portier.NewPending("s1"), c.Session())

	require.NoError(t, c.Confirm(ctx, "123456"))
	assert.Equal(t, portier.NewConfirmed("s2"), c.Session())

	user, err := c.WhoAmI(ctx)
	require.NoError(t, err)
	email, ok := user.EmailAddress()
	require.True(t, ok)
	assert.Equal(t, "a@b.com", email)
	assert.Equal(t, "s2", svc.lastCookie())

	require.NoError(t, c.SaveSession())
	require.NoError(t, c.Close())

	restored := newClient(t, cfg)
	assert.Equal(t, portier.NewConfirmed("s2"), restored.Session())

	_, err = restored.WhoAmI(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s2", svc.lastCookie(), "restored cookie is sent")
}

func TestLogin_FailureKeepsSession(t *testing.T) {
	svc := newServices(t)
	c := newClient(t, svc.config(t))
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "a@b.com"))

	err := c.Login(ctx, "")
	assert.ErrorIs(t, err, portiererrors.ErrLoginFailed)
	assert.Equal(t, portier.NewPending("s1"), c.Session())
}

func TestConfirm_WithoutLogin(t *testing.T) {
	svc := newServices(t)
	c := newClient(t, svc.config(t))

	err := c.Confirm(context.Background(), "123456")
	assert.ErrorIs(t, err, portiererrors.ErrNoActiveSession)
	assert.Nil(t, c.Session())
}

func TestConfirm_AlreadyConfirmed(t *testing.T) {
	svc := newServices(t)
	cfg := svc.config(t)
	writeStore(t, cfg.StorePath, sessionCookieJSON("id", "s9", time.Now().Add(time.Hour)))
	c := newClient(t, cfg)

	err := c.Confirm(context.Background(), "123456")
	assert.ErrorIs(t, err, portiererrors.ErrNoActiveSession)
	assert.EqualError(t, err, "no active session: session already confirmed")
	assert.Equal(t, portier.NewConfirmed("s9"), c.Session())
}

func TestConfirm_WrongCode(t *testing.T) {
	svc := newServices(t)
	c := newClient(t, svc.config(t))
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "a@b.com"))
	err := c.Confirm(ctx, "000000")
	assert.ErrorIs(t, err, portiererrors.ErrConfirmationFailed)
	assert.Equal(t, portier.NewPending("s1"), c.Session())
}

func TestConfirm_ClaimFailureKeepsPending(t *testing.T) {
	svc := newServices(t, func(s *services) {
		s.claim = func(w http.ResponseWriter, _ *http.Request) {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
		}
	})
	c := newClient(t, svc.config(t))
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "a@b.com"))
	err := c.Confirm(ctx, "123456")
	assert.ErrorIs(t, err, portiererrors.ErrClaimFailed)
	assert.Equal(t, portier.NewPending("s1"), c.Session())

	_, ok := c.Store().Lookup("127.0.0.1", "/", "id")
	assert.False(t, ok)
}

func TestWhoAmI_Preconditions(t *testing.T) {
	svc := newServices(t)
	c := newClient(t, svc.config(t))
	ctx := context.Background()

	_, err := c.WhoAmI(ctx)
	assert.ErrorIs(t, err, portiererrors.ErrNoActiveSession)

	require.NoError(t, c.Login(ctx, "a@b.com"))
	_, err = c.WhoAmI(ctx)
	assert.ErrorIs(t, err, portiererrors.ErrNotConfirmed)
	assert.Equal(t, portier.NewPending("s1"), c.Session())
}

func TestWhoAmI_NullEmail(t *testing.T) {
	svc := newServices(t, func(s *services) { s.whoami = `{"email":null}` })
	c := newClient(t, svc.config(t))
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "a@b.com"))
	require.NoError(t, c.Confirm(ctx, "123456"))

	user, err := c.WhoAmI(ctx)
	require.NoError(t, err)
	_, ok := user.EmailAddress()
	assert.False(t, ok)
}

func TestWhoAmI_FailureKeepsSession(t *testing.T) {
	svc := newServices(t, func(s *services) { s.whoami = `not json` })
	cfg := svc.config(t)
	writeStore(t, cfg.StorePath, sessionCookieJSON("id", "s9", time.Now().Add(time.Hour)))
	c := newClient(t, cfg)

	_, err := c.WhoAmI(context.Background())
	assert.ErrorIs(t, err, portiererrors.ErrWhoAmIFailed)
	assert.Equal(t, portier.NewConfirmed("s9"), c.Session())
}

func TestSaveSession_Idempotent(t *testing.T) {
	svc := newServices(t)
	cfg := svc.config(t)
	c := newClient(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "a@b.com"))
	require.NoError(t, c.Confirm(ctx, "123456"))

	require.NoError(t, c.SaveSession())
	first, err := os.ReadFile(cfg.StorePath)
	require.NoError(t, err)

	require.NoError(t, c.SaveSession())
	second, err := os.ReadFile(cfg.StorePath)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, string(first), `"value": "s2"`)
}

func TestLogout(t *testing.T) {
	svc := newServices(t)
	cfg := svc.config(t)
	c := newClient(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "a@b.com"))
	require.NoError(t, c.Confirm(ctx, "123456"))
	require.NoError(t, c.SaveSession())

	require.NoError(t, c.Logout(ctx))
	assert.Nil(t, c.Session())
	_, ok := c.Store().Lookup("127.0.0.1", "/", "id")
	assert.False(t, ok)

	require.NoError(t, c.SaveSession())
	restored := newClient(t, cfg)
	assert.Nil(t, restored.Session())
}

func TestLogout_FailureKeepsSession(t *testing.T) {
	svc := newServices(t, func(s *services) {
		s.logout = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	cfg := svc.config(t)
	writeStore(t, cfg.StorePath, sessionCookieJSON("id", "s9", time.Now().Add(time.Hour)))
	c := newClient(t, cfg)

	err := c.Logout(context.Background())
	assert.ErrorIs(t, err, portiererrors.ErrLogoutFailed)
	assert.Equal(t, portier.NewConfirmed("s9"), c.Session())

	value, ok := c.Store().Lookup("127.0.0.1", "/", "id")
	assert.True(t, ok)
	assert.Equal(t, "s9", value)
}

func TestMetricsRegisterer(t *testing.T) {
	svc := newServices(t)
	reg := prometheus.NewRegistry()
	c := newClient(t, svc.config(t), WithMetricsRegisterer(reg))

	require.NoError(t, c.Login(context.Background(), "a@b.com"))

	count, err := testutil.GatherAndCount(reg, "portier_client_exchanges_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNew_RestoresRootCookieUnderBasePath(t *testing.T) {
	svc := newServices(t)
	cfg := svc.config(t)
	cfg.RPCAddr = svc.rpc.URL + "/api/"
	writeStore(t, cfg.StorePath, sessionCookieJSON("id", "s9", time.Now().Add(time.Hour)))

	c := newClient(t, cfg)
	assert.Equal(t, portier.NewConfirmed("s9"), c.Session())
}

func TestNew_SharedRegisterer(t *testing.T) {
	svc := newServices(t)
	reg := prometheus.NewRegistry()
	ctx := context.Background()

	first := newClient(t, svc.config(t), WithMetricsRegisterer(reg))
	second := newClient(t, svc.config(t), WithMetricsRegisterer(reg))

	require.NoError(t, first.Login(ctx, "a@b.com"))
	require.NoError(t, second.Login(ctx, "a@b.com"))

	count, err := testutil.GatherAndCount(reg, "portier_client_exchanges_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "both clients feed one series")
}

func bufferLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level}))
}

func TestUnsaved(t *testing.T) {
	svc := newServices(t)
	var logs bytes.Buffer
	c, err := New(svc.config(t), WithLogger(bufferLogger(&logs, slog.LevelWarn)))
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, c.Unsaved())

	require.NoError(t, c.Login(ctx, "a@b.com"))
	require.NoError(t, c.Confirm(ctx, "123456"))
	assert.True(t, c.Unsaved(), "claim set the session cookie")

	require.NoError(t, c.SaveSession())
	assert.False(t, c.Unsaved())

	require.NoError(t, c.Logout(ctx))
	assert.True(t, c.Unsaved(), "logout evicted the session cookie")

	require.NoError(t, c.Close())
	assert.Contains(t, logs.String(), "discarding unsaved cookie changes")
}

func TestClose_SavedStoreDoesNotWarn(t *testing.T) {
	svc := newServices(t)
	var logs bytes.Buffer
	c, err := New(svc.config(t), WithLogger(bufferLogger(&logs, slog.LevelWarn)))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Empty(t, logs.String())
}

func TestConfirm_ExpiredIdentityToken(t *testing.T) {
	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.SubjectKey, "a@b.com"))
	require.NoError(t, tok.Set(jwt.ExpirationKey, time.Now().Add(-time.Minute)))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("broker-key")))
	require.NoError(t, err)

	svc := newServices(t, func(s *services) { s.idToken = string(signed) })
	var logs bytes.Buffer
	c := newClient(t, svc.config(t), WithLogger(bufferLogger(&logs, slog.LevelWarn)))
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "a@b.com"))
	require.NoError(t, c.Confirm(ctx, "123456"))
	assert.Equal(t, portier.NewConfirmed("s2"), c.Session())
	assert.Contains(t, logs.String(), "identity token already expired")
}

func TestLogin_EmailOnlyAtDebug(t *testing.T) {
	svc := newServices(t)
	var logs bytes.Buffer
	c := newClient(t, svc.config(t), WithLogger(bufferLogger(&logs, slog.LevelInfo)))

	require.NoError(t, c.Login(context.Background(), "a@b.com"))
	assert.Contains(t, logs.String(), "login code requested")
	assert.NotContains(t, logs.String(), "a@b.com")
}
