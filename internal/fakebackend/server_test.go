package fakebackend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/possync/internal/realtime"
)

func setupTestServer(t *testing.T) (*Server, *httptest.Server, *User) {
	t.Helper()
	srv := New(DefaultConfig())
	user, err := srv.AddUser("Cashier@Example.com", "password123", Profile{
		"tenant_id": "tenant-1",
		"store_id":  "store-1",
		"role":      "cashier",
		"full_name": "Casey Cashier",
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts, user
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("apikey", DefaultConfig().AnonKey)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func signIn(t *testing.T, ts *httptest.Server) TokenResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/v1/token?grant_type=password", "",
		map[string]string{"email": "cashier@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	return tok
}

func TestAddUserDuplicateEmail(t *testing.T) {
	srv := New(Config{})
	_, err := srv.AddUser("a@example.com", "pw", nil)
	require.NoError(t, err)
	_, err = srv.AddUser("A@example.com ", "pw", nil)
	assert.Error(t, err)
}

func TestPasswordGrant(t *testing.T) {
	srv, ts, user := setupTestServer(t)

	tok := signIn(t, ts)
	assert.Equal(t, "bearer", tok.TokenType)
	assert.True(t, strings.HasPrefix(tok.RefreshToken, "v1."))
	assert.Equal(t, user.ID, tok.User["id"])

	claims, err := srv.validateAccessToken(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims["sub"])
	assert.Equal(t, "cashier@example.com", claims["email"])
}

func TestPasswordGrantInvalidCredentials(t *testing.T) {
	_, ts, _ := setupTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/v1/token?grant_type=password", "",
		map[string]string{"email": "cashier@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_grant", body.Error)
}

func TestMissingAPIKey(t *testing.T) {
	_, ts, _ := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/auth/v1/token?grant_type=password", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshGrantRotates(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	tok := signIn(t, ts)

	url := ts.URL + "/auth/v1/token?grant_type=refresh_token"
	resp := doJSON(t, http.MethodPost, url, "", map[string]string{"refresh_token": tok.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var next TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&next))
	assert.NotEqual(t, tok.RefreshToken, next.RefreshToken)

	// the old token was consumed
	resp = doJSON(t, http.MethodPost, url, "", map[string]string{"refresh_token": tok.RefreshToken})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogoutRevokesRefreshTokens(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	tok := signIn(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/v1/logout", tok.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/auth/v1/token?grant_type=refresh_token", "",
		map[string]string{"refresh_token": tok.RefreshToken})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthDown(t *testing.T) {
	srv, ts, _ := setupTestServer(t)
	srv.SetAuthDown(true)

	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/v1/token?grant_type=password", "",
		map[string]string{"email": "cashier@example.com", "password": "password123"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetUser(t *testing.T) {
	_, ts, user := setupTestServer(t)
	tok := signIn(t, ts)

	resp := doJSON(t, http.MethodGet, ts.URL+"/auth/v1/user", tok.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, user.ID, body["id"])

	resp = doJSON(t, http.MethodGet, ts.URL+"/auth/v1/user", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSelectProfiles(t *testing.T) {
	srv, ts, user := setupTestServer(t)
	other, err := srv.AddUser("other@example.com", "pw", Profile{"tenant_id": "tenant-2"})
	require.NoError(t, err)
	tok := signIn(t, ts)

	tests := []struct {
		name  string
		query string
		rows  int
	}{
		{"own row", "id=eq." + user.ID + "&select=*", 1},
		{"no filter", "select=*", 1},
		{"other user's row", "id=eq." + other.ID, 0},
		{"non matching column", "tenant_id=eq.nope", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodGet, ts.URL+"/rest/v1/profiles?"+tt.query, tok.AccessToken, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var rows []Profile
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
			require.Len(t, rows, tt.rows)
			if tt.rows == 1 {
				assert.Equal(t, user.ID, rows[0]["id"])
				assert.Equal(t, "cashier", rows[0]["role"])
			}
		})
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/rest/v1/profiles?id=like.x", tok.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSelectProfilesDown(t *testing.T) {
	srv, ts, _ := setupTestServer(t)
	tok := signIn(t, ts)
	srv.SetProfilesDown(true)

	resp := doJSON(t, http.MethodGet, ts.URL+"/rest/v1/profiles?select=*", tok.AccessToken, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestUpdateProfileKeepsID(t *testing.T) {
	srv, ts, user := setupTestServer(t)
	tok := signIn(t, ts)

	resp := doJSON(t, http.MethodPatch, ts.URL+"/rest/v1/profiles?id=eq."+user.ID, tok.AccessToken,
		map[string]any{"role": "manager", "id": "hijack"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	row, ok := srv.Profile(user.ID)
	require.True(t, ok)
	assert.Equal(t, "manager", row["role"])
	assert.Equal(t, user.ID, row["id"])
}

// wsClient is a bare Phoenix client for exercising the hub.
type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server, apiKey string) (*wsClient, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime/v1/websocket?vsn=1.0.0&apikey=" + apiKey
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}, resp, nil
}

func (c *wsClient) send(msg *realtime.Message) {
	data, err := msg.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) next() *realtime.Message {
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	msg, err := realtime.DecodeMessage(data)
	require.NoError(c.t, err)
	return msg
}

func (c *wsClient) join(topic, ref, token string, subs ...realtime.PostgresChangeSub) *realtime.Message {
	c.send(realtime.NewJoinMessage(topic, ref, realtime.JoinConfig{PostgresChanges: subs}, token))
	return c.next()
}

func profileBinding(filter string) realtime.PostgresChangeSub {
	return realtime.PostgresChangeSub{Event: "*", Schema: "public", Table: "profiles", Filter: filter}
}

func TestWebSocketRejectsBadAPIKey(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	_, resp, err := dialWS(t, ts, "wrong")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketHeartbeat(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	c, _, err := dialWS(t, ts, DefaultConfig().AnonKey)
	require.NoError(t, err)

	c.send(realtime.NewHeartbeatMessage("7"))
	reply := c.next()
	assert.Equal(t, realtime.TopicPhoenix, reply.Topic)
	assert.Equal(t, "7", reply.Ref)
	assert.Equal(t, "ok", reply.ReplyStatus())
}

func TestWebSocketJoinAndChange(t *testing.T) {
	srv, ts, user := setupTestServer(t)
	tok := signIn(t, ts)
	c, _, err := dialWS(t, ts, DefaultConfig().AnonKey)
	require.NoError(t, err)

	topic := "realtime:profile:" + user.ID
	reply := c.join(topic, "1", tok.AccessToken, profileBinding("id=eq."+user.ID))
	assert.Equal(t, realtime.EventReply, reply.Event)
	assert.Equal(t, "ok", reply.ReplyStatus())

	sys := c.next()
	assert.Equal(t, realtime.EventSystem, sys.Event)
	assert.Equal(t, 1, srv.Hub().Subscribers(topic))

	_, err = srv.UpdateProfile(user.ID, Profile{"role": "manager"})
	require.NoError(t, err)

	change := c.next()
	require.Equal(t, realtime.EventPostgres, change.Event)
	assert.Equal(t, "1", change.JoinRef)
	ev, err := change.ChangeEvent()
	require.NoError(t, err)
	assert.Equal(t, "UPDATE", ev.EventType)
	assert.Equal(t, "manager", ev.New["role"])
	assert.Equal(t, "cashier", ev.Old["role"])
}

func TestBroadcastChangeFilters(t *testing.T) {
	srv, ts, user := setupTestServer(t)
	other, err := srv.AddUser("other@example.com", "pw", Profile{"role": "cashier"})
	require.NoError(t, err)
	tok := signIn(t, ts)
	c, _, err := dialWS(t, ts, DefaultConfig().AnonKey)
	require.NoError(t, err)

	reply := c.join("realtime:profile", "1", tok.AccessToken, profileBinding("id=eq."+user.ID))
	require.Equal(t, "ok", reply.ReplyStatus())
	c.next() // system

	// another user's row, a different table and a non matching event are skipped
	_, err = srv.UpdateProfile(other.ID, Profile{"role": "manager"})
	require.NoError(t, err)
	assert.Zero(t, srv.Hub().BroadcastChange("public", "orders", "INSERT", nil, map[string]any{"id": user.ID}))

	assert.Equal(t, 1, srv.Hub().BroadcastChange("public", "profiles", "UPDATE", nil, map[string]any{"id": user.ID}))
	ev, err := c.next().ChangeEvent()
	require.NoError(t, err)
	assert.Equal(t, user.ID, ev.New["id"])
}

func TestWebSocketJoinModes(t *testing.T) {
	srv, ts, _ := setupTestServer(t)
	tok := signIn(t, ts)
	c, _, err := dialWS(t, ts, DefaultConfig().AnonKey)
	require.NoError(t, err)

	srv.Hub().SetJoinMode(JoinReject)
	reply := c.join("realtime:a", "1", tok.AccessToken, profileBinding(""))
	assert.Equal(t, "error", reply.ReplyStatus())

	srv.Hub().SetJoinMode(JoinIgnore)
	c.send(realtime.NewJoinMessage("realtime:b", "2", realtime.JoinConfig{}, tok.AccessToken))
	c.send(realtime.NewHeartbeatMessage("3"))
	// the heartbeat reply is the next frame: the join was never answered
	assert.Equal(t, "3", c.next().Ref)

	srv.Hub().SetJoinMode(JoinAccept)
	reply = c.join("realtime:c", "4", "not-a-jwt")
	assert.Equal(t, "error", reply.ReplyStatus())
}

func TestWebSocketLeave(t *testing.T) {
	srv, ts, _ := setupTestServer(t)
	tok := signIn(t, ts)
	c, _, err := dialWS(t, ts, DefaultConfig().AnonKey)
	require.NoError(t, err)

	require.Equal(t, "ok", c.join("realtime:a", "1", tok.AccessToken).ReplyStatus())
	assert.Equal(t, 1, srv.Hub().Stats().Channels)

	c.send(realtime.NewLeaveMessage("realtime:a", "1", "2"))
	reply := c.next()
	assert.Equal(t, "2", reply.Ref)
	assert.Equal(t, "ok", reply.ReplyStatus())
	assert.Equal(t, 0, srv.Hub().Stats().Channels)
}

func TestDropConnections(t *testing.T) {
	srv, ts, _ := setupTestServer(t)
	c, _, err := dialWS(t, ts, DefaultConfig().AnonKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.Hub().Stats().Connections == 1 }, 5*time.Second, 10*time.Millisecond)
	srv.Close()

	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = c.ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, srv.Hub().Stats().Connections)
}
