package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/relay/internal/delivery"
	"github.com/eldtechnologies/relay/internal/identity"
	"github.com/eldtechnologies/relay/internal/models"
	"github.com/eldtechnologies/relay/internal/presence"
	"github.com/eldtechnologies/relay/internal/store"
)

// tokenVerifier accepts "token-<name>" and rejects everything else.
type tokenVerifier struct{}

func (tokenVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if name, ok := strings.CutPrefix(credential, "token-"); ok && name != "" {
		return name, nil
	}
	return "", fmt.Errorf("%w: unknown token", identity.ErrRejected)
}

type harness struct {
	url      string
	registry *presence.Registry
	store    *store.SQLiteStore
	queue    *store.RedisQueue
	engine   *delivery.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithOrigins(t, []string{"*"})
}

func newHarnessWithOrigins(t *testing.T, origins []string) *harness {
	t.Helper()

	conv, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(conv.Close)

	mr := miniredis.RunT(t)
	q := store.NewRedisQueueFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { q.Close() })

	registry := presence.NewRegistry()
	engine := delivery.NewEngine(conv, q, registry, zerolog.Nop())
	gw := New(tokenVerifier{}, registry, engine, zerolog.Nop(), Options{OriginPatterns: origins, MaxFrameBytes: 4096})

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &harness{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		registry: registry,
		store:    conv,
		queue:    q,
		engine:   engine,
	}
}

func (h *harness) dial(t *testing.T, credential string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	if credential != "" {
		header.Set(CredentialField, credential)
	}
	conn, _, err := websocket.Dial(ctx, h.url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// connect dials as name and waits until the session is registered.
func (h *harness) connect(t *testing.T, name string) *websocket.Conn {
	t.Helper()
	conn := h.dial(t, "token-"+name)
	require.Eventually(t, func() bool {
		_, ok := h.registry.Lookup(name)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, to, body string) {
	t.Helper()
	data, _ := json.Marshal(map[string]string{"to": to, "message": body})
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func receive(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var msg models.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func closeStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	return websocket.CloseStatus(err)
}

func TestMissingCredentialIsRefused(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "")
	require.Equal(t, CloseNoCredential, closeStatus(t, conn))
	require.Zero(t, h.registry.Online())
}

func TestInvalidCredentialIsRefused(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "forged")
	require.Equal(t, CloseInvalidCredential, closeStatus(t, conn))
	require.Zero(t, h.registry.Online())
}

func TestOnlineDelivery(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	send(t, alice, "bob", "hi bob")
	msg := receive(t, bob)
	require.Equal(t, "alice", msg.From)
	require.Equal(t, "bob", msg.To)
	require.Equal(t, "hi bob", msg.Body)
	require.NotEmpty(t, msg.ID)

	n, err := h.queue.Len(context.Background(), "bob")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSenderIsAuthenticatedIdentity(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	data := []byte(`{"to":"bob","message":"spoof","from":"mallory"}`)
	require.NoError(t, alice.Write(context.Background(), websocket.MessageText, data))
	require.Equal(t, "alice", receive(t, bob).From)
}

func TestDrainOnConnect(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, "alice")

	for _, body := range []string{"m1", "m2", "m3"} {
		send(t, alice, "bob", body)
	}
	require.Eventually(t, func() bool {
		n, _ := h.queue.Len(context.Background(), "bob")
		return n == 3
	}, 2*time.Second, 5*time.Millisecond)

	bob := h.dial(t, "token-bob")
	require.Equal(t, "m1", receive(t, bob).Body)
	require.Equal(t, "m2", receive(t, bob).Body)
	require.Equal(t, "m3", receive(t, bob).Body)

	n, err := h.queue.Len(context.Background(), "bob")
	require.NoError(t, err)
	require.Zero(t, n)

	// Nothing else arrives.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err = bob.Read(ctx)
	require.Error(t, err)
}

func TestMalformedFramesAreDiscarded(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	ctx := context.Background()

	for _, frame := range []string{
		`not json`,
		`{"to":"bob"}`,
		`{"message":"no recipient"}`,
		`{"to":42,"message":"wrong type"}`,
		`[]`,
	} {
		require.NoError(t, alice.Write(ctx, websocket.MessageText, []byte(frame)))
	}
	require.NoError(t, alice.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02}))

	// The session survives and the next valid frame is delivered.
	send(t, alice, "bob", "still here")
	require.Equal(t, "still here", receive(t, bob).Body)

	count, err := h.store.CountMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestReconnectReplacesRegistration(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, "alice")
	first := h.connect(t, "bob")
	firstConn, _ := h.registry.Lookup("bob")

	second := h.dial(t, "token-bob")
	require.Eventually(t, func() bool {
		conn, ok := h.registry.Lookup("bob")
		return ok && conn.ID() != firstConn.ID()
	}, 2*time.Second, 5*time.Millisecond)

	// Closing the superseded connection must not evict the new one.
	require.NoError(t, first.Close(websocket.StatusNormalClosure, ""))
	time.Sleep(50 * time.Millisecond)
	_, ok := h.registry.Lookup("bob")
	require.True(t, ok)

	send(t, alice, "bob", "to the new one")
	require.Equal(t, "to the new one", receive(t, second).Body)
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness(t)
	bob := h.connect(t, "bob")
	require.NoError(t, bob.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		_, ok := h.registry.Lookup("bob")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestParseFrame(t *testing.T) {
	frame, err := parseFrame([]byte(`{"to":"bob","message":""}`))
	require.NoError(t, err)
	require.Equal(t, "bob", frame.To)
	require.Equal(t, "", *frame.Message)

	_, err = parseFrame([]byte(`{"to":"","message":"x"}`))
	require.Error(t, err)
	_, err = parseFrame([]byte(`null`))
	require.Error(t, err)
}

// dialBrowser dials the way a page on origin would, carrying only the cookie.
func (h *harness) dialBrowser(ctx context.Context, origin, cookie string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set("Origin", origin)
	header.Set("Cookie", CredentialField+"="+cookie)
	return websocket.Dial(ctx, h.url, &websocket.DialOptions{HTTPHeader: header})
}

func TestCookieIgnoredWhenAnyOriginAllowed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.queue.Enqueue(context.Background(), "alice", []byte(`{"message":"secret"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := h.dialBrowser(ctx, "https://evil.example", "token-alice")
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	require.Equal(t, CloseNoCredential, closeStatus(t, conn))
	require.Zero(t, h.registry.Online())

	n, err := h.queue.Len(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestForeignOriginRefused(t *testing.T) {
	h := newHarnessWithOrigins(t, []string{"app.example.com"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := h.dialBrowser(ctx, "https://evil.example", "token-alice")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, h.registry.Online())

	conn, _, err := h.dialBrowser(ctx, "https://app.example.com", "token-alice")
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	require.Eventually(t, func() bool {
		_, ok := h.registry.Lookup("alice")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOversizeFrameEndsSession(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "alice")

	send(t, conn, "bob", strings.Repeat("x", 8192))
	require.Equal(t, websocket.StatusMessageTooBig, closeStatus(t, conn))
	require.Eventually(t, func() bool { return h.registry.Online() == 0 }, 2*time.Second, 5*time.Millisecond)
}
