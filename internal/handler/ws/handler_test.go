package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoherencePulse/internal/broadcast"
	"CoherencePulse/internal/domain/models"
	scache "CoherencePulse/internal/service/cache"
	"CoherencePulse/internal/service/ratelimit"
	pcache "CoherencePulse/pkg/cache"
)

type fixture struct {
	manager *broadcast.Manager
	scores  *scache.ScoreCache
	url     string
}

func newFixture(t *testing.T, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	manager := broadcast.NewManager(broadcast.Config{
		HeartbeatInterval:             30 * time.Second,
		ConnectionTimeout:             time.Minute,
		ReapInterval:                  10 * time.Second,
		MaxSubscriptionsPerConnection: 3,
		MaxConnectionsPerSource:       0,
		SendTimeout:                   time.Second,
		FanoutConcurrency:             4,
	})
	mem := pcache.NewMemoryCache(pcache.MemoryConfig{}, clockwork.NewRealClock())
	t.Cleanup(func() { _ = mem.Close() })
	scores := scache.NewScoreCache(mem, time.Hour)

	h := NewHandler(Config{MaxMessageBytes: 128, SendQueue: 16, WriteTimeout: time.Second}, manager, scores, limiter, nil)
	e := echo.New()
	h.RegisterRoutes(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &fixture{manager: manager, scores: scores, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (f *fixture) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	welcome := readFrame(t, conn)
	require.Equal(t, broadcast.TypeWelcome, welcome.Type)
	require.NotEmpty(t, welcome.ConnectionID)
	return conn, welcome.ConnectionID
}

func readFrame(t *testing.T, conn *websocket.Conn) broadcast.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg broadcast.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func write(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(s)))
}

func TestHandler_SubscribeThenReceivePublishedEvent(t *testing.T) {
	f := newFixture(t, nil)
	conn, id := f.dial(t)

	write(t, conn, `{"type":"subscribe","symbols":["AAPL","MSFT"]}`)
	ack := readFrame(t, conn)
	assert.Equal(t, broadcast.TypeSubscribed, ack.Type)
	assert.Equal(t, []string{"AAPL", "MSFT"}, ack.Symbols)
	assert.Equal(t, []string{id}, f.manager.Subscribers("AAPL"))

	score := models.CoherenceScore{Symbol: "AAPL", Psi: 0.25, Timestamp: time.Now().UTC()}
	f.manager.Dispatch(context.Background(), broadcast.Envelope{Score: score})

	ev := readFrame(t, conn)
	assert.Equal(t, broadcast.TypeMarketEvent, ev.Type)
	require.NotNil(t, ev.Score)
	assert.InDelta(t, 0.25, ev.Score.Psi, 1e-12)

	write(t, conn, `{"type":"unsubscribe","symbols":["AAPL"]}`)
	ack = readFrame(t, conn)
	assert.Equal(t, broadcast.TypeUnsubscribed, ack.Type)
	assert.Equal(t, []string{"AAPL"}, ack.Symbols)
}

func TestHandler_SubscribePushesLatestCachedScore(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.scores.PutScore(context.Background(), models.CoherenceScore{Symbol: "TSLA", Rho: 0.75}))
	conn, _ := f.dial(t)

	write(t, conn, `{"type":"subscribe","symbols":["TSLA"]}`)
	assert.Equal(t, broadcast.TypeSubscribed, readFrame(t, conn).Type)

	ev := readFrame(t, conn)
	assert.Equal(t, broadcast.TypeMarketEvent, ev.Type)
	assert.Equal(t, "TSLA", ev.Symbol)
	require.NotNil(t, ev.Score)
	assert.InDelta(t, 0.75, ev.Score.Rho, 1e-12)
}

func TestHandler_OversizedFrameKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t, nil)
	conn, _ := f.dial(t)

	write(t, conn, `{"type":"subscribe","symbols":["`+strings.Repeat("A", 500)+`"]}`)
	msg := readFrame(t, conn)
	assert.Equal(t, broadcast.TypeError, msg.Type)
	assert.Equal(t, broadcast.CodePayloadTooLarge, msg.Code)

	write(t, conn, `{"type":"ping"}`)
	assert.Equal(t, broadcast.TypePong, readFrame(t, conn).Type)
}

func TestHandler_FrameAboveHardLimitClosesConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn, _ := f.dial(t)

	// the fixture's hard limit is 256 * 128 bytes
	_ = conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("A", 40000)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
	require.Eventually(t, func() bool { return f.manager.Stats().Connections == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandler_ProtocolErrors(t *testing.T) {
	f := newFixture(t, nil)
	conn, id := f.dial(t)

	tests := []struct {
		in      string
		code    string
		symbols []string
	}{
		{`not json`, broadcast.CodeMalformed, nil},
		{`{"type":"teleport"}`, broadcast.CodeUnknownType, nil},
		{`{"type":"subscribe","symbols":["aapl","OK"]}`, broadcast.CodeInvalidSymbols, []string{"aapl"}},
		{`{"type":"subscribe","symbols":["A","B","C","D"]}`, broadcast.CodeSubscriptionLimit, nil},
	}
	for _, tt := range tests {
		write(t, conn, tt.in)
		msg := readFrame(t, conn)
		assert.Equal(t, broadcast.TypeError, msg.Type, tt.in)
		assert.Equal(t, tt.code, msg.Code, tt.in)
		assert.Equal(t, tt.symbols, msg.Symbols, tt.in)
	}

	subs, err := f.manager.Subscriptions(id)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestHandler_ClientCloseRemovesConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn, id := f.dial(t)
	write(t, conn, `{"type":"subscribe","symbols":["AAPL"]}`)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool {
		_, err := f.manager.Subscriptions(id)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.manager.Subscribers("AAPL"))
}

func TestHandler_ShutdownNotifiesClient(t *testing.T) {
	f := newFixture(t, nil)
	conn, _ := f.dial(t)

	go func() { _ = f.manager.Shutdown(context.Background()) }()

	msg := readFrame(t, conn)
	assert.Equal(t, broadcast.TypeShutdown, msg.Type)

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestHandler_ConnectRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Rate: 0.001, Burst: 1}, clockwork.NewFakeClock())
	f := newFixture(t, limiter)
	f.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 429, resp.StatusCode)
}
