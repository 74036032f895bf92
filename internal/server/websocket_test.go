package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/coderelay/internal/relay"
)

func startGateway(t *testing.T, r *relay.Relay) *httptest.Server {
	t.Helper()
	g := NewGateway("127.0.0.1:0", r, quietLogger(), nil)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	return conn
}

// readUntilClose collects messages until the server's close frame.
func readUntilClose(t *testing.T, conn *websocket.Conn) ([]string, error) {
	t.Helper()
	var got []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return got, err
		}
		got = append(got, string(data))
	}
}

func TestGatewayHealthz(t *testing.T) {
	r, _ := newRelay(t, 0)
	ts := startGateway(t, r)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestGatewayRelaysLinesAsMessages(t *testing.T) {
	r, _ := newRelay(t, 0)
	ts := startGateway(t, r)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame(t, "echo one\necho two\n")))

	got, err := readUntilClose(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestGatewayInvalidUTF8GoesOutAsBinary(t *testing.T) {
	r, _ := newRelay(t, 0)
	ts := startGateway(t, r)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame(t, `printf '\377\376\n'`+"\n")))

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0xff, 0xfe}, data)
}

func TestGatewayRejectsTextMessage(t *testing.T) {
	r, root := newRelay(t, 0)
	ts := startGateway(t, r)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("echo hi")))

	got, err := readUntilClose(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Empty(t, got)
	assertEmptyDir(t, root)
}

func TestGatewayFrameLimit(t *testing.T) {
	r, root := newRelay(t, 16)
	ts := startGateway(t, r)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame(t, strings.Repeat("echo x\n", 20))))

	got, err := readUntilClose(t, conn)
	require.Error(t, err)
	assert.Empty(t, got)
	assertEmptyDir(t, root)
}
