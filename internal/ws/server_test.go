package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"whisp/internal/models"
	"whisp/internal/presence"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type staticVerifier map[string]string

func (v staticVerifier) Verify(token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", models.ErrAuth
}

func newTestServer(t *testing.T) (*httptest.Server, *presence.Registry, *fakeAcks) {
	t.Helper()
	registry := presence.NewRegistry()
	acks := &fakeAcks{}
	srv := NewServer(staticVerifier{"tok-a": "alice", "tok-b": "bob"}, NewHub(registry, acks, 0, discardLog), discardLog)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleConnections))
	t.Cleanup(func() {
		registry.Close()
		ts.Close()
	})
	return ts, registry, acks
}

func dial(t *testing.T, ts *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?" + query
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) models.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.ServerEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestServer_Handshake(t *testing.T) {
	ts, _, _ := newTestServer(t)

	t.Run("NoToken", func(t *testing.T) {
		_, resp, err := dial(t, ts, "", nil)
		require.Error(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("BadToken", func(t *testing.T) {
		_, resp, err := dial(t, ts, "token=nope", nil)
		require.Error(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("IdentityMismatch", func(t *testing.T) {
		_, resp, err := dial(t, ts, "token=tok-a&userId=bob", nil)
		require.Error(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Cookie", func(t *testing.T) {
		header := http.Header{}
		header.Set("Cookie", "jwt=tok-a")
		conn, _, err := dial(t, ts, "userId=alice", header)
		require.NoError(t, err)
		defer conn.Close()
		require.Equal(t, models.ServerEventPresenceSnapshot, readEvent(t, conn).Type)
	})

	t.Run("Bearer", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer tok-b")
		conn, _, err := dial(t, ts, "", header)
		require.NoError(t, err)
		defer conn.Close()
		require.Equal(t, models.ServerEventPresenceSnapshot, readEvent(t, conn).Type)
	})
}

func TestServer_PresenceAndAcks(t *testing.T) {
	ts, registry, acks := newTestServer(t)

	alice, _, err := dial(t, ts, "token=tok-a", nil)
	require.NoError(t, err)
	defer alice.Close()
	require.Equal(t, []string{"alice"}, readEvent(t, alice).UserIDs)

	bob, _, err := dial(t, ts, "token=tok-b", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, readEvent(t, bob).UserIDs)
	require.Equal(t, []string{"alice", "bob"}, readEvent(t, alice).UserIDs)

	require.NoError(t, alice.WriteJSON(models.ClientEvent{Type: models.ClientEventSeen, PartnerID: "bob"}))
	require.Eventually(t, func() bool {
		return len(acks.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, ackCall{kind: "seen", userID: "alice", partnerID: "bob"}, acks.Calls()[0])

	require.NoError(t, bob.Close())
	require.Equal(t, []string{"alice"}, readEvent(t, alice).UserIDs)
	_, online := registry.Lookup("bob")
	require.False(t, online)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/ws?token=q", nil)
	require.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	require.Equal(t, "h", TokenFromRequest(r))

	r.AddCookie(&http.Cookie{Name: "jwt", Value: "c"})
	require.Equal(t, "c", TokenFromRequest(r))
}
