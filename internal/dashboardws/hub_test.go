package dashboardws

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/devpipe/internal/orchestrator"
	"github.com/yungbote/devpipe/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("dev")
	require.NoError(t, err)
	return l
}

func TestBroadcastDeliversToConnectedClient(t *testing.T) {
	hub := NewHub(testLogger(t))

	var upgrader2 = websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader2.Upgrade(w, r, nil)
		require.NoError(t, err)
		client := hub.Register(conn)
		defer hub.Remove(client)
		writePump(client)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(orchestrator.DashboardEvent{RequestID: "r1", To: "analysis"})

	var evt orchestrator.DashboardEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, "r1", evt.RequestID)
}
