package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	goosc "github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/simonreitinger/ableton-live-mcp-server/internal/fsm"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/ipc"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/osc"
)

type fakeAbleton struct {
	conn     *net.UDPConn
	received chan osc.Message
}

func startFakeAbleton(t *testing.T) *fakeAbleton {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	f := &fakeAbleton{conn: conn, received: make(chan osc.Message, 16)}
	go func() {
		buf := make([]byte, 65535)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			messages, err := osc.Decode(buf[:n])
			if err != nil {
				continue
			}
			for _, msg := range messages {
				f.received <- msg
			}
		}
	}()
	return f
}

func (f *fakeAbleton) addr() string {
	return f.conn.LocalAddr().String()
}

func (f *fakeAbleton) expect(t *testing.T, address string) osc.Message {
	t.Helper()
	select {
	case msg := <-f.received:
		require.Equal(t, address, msg.Address)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("fake ableton did not receive %s", address)
		return osc.Message{}
	}
}

func (f *fakeAbleton) reply(t *testing.T, d *Daemon, address string, args ...any) {
	t.Helper()
	data, err := osc.Encode(address, args)
	require.NoError(t, err)
	_, err = f.conn.WriteToUDP(data, d.ReceiveAddr())
	require.NoError(t, err)
}

// replyRaw sends msg without argument normalisation, so values the codec
// refuses (NaN, Inf) still reach the daemon the way Ableton can send them.
func (f *fakeAbleton) replyRaw(t *testing.T, d *Daemon, msg *goosc.Message) {
	t.Helper()
	data, err := msg.MarshalBinary()
	require.NoError(t, err)
	_, err = f.conn.WriteToUDP(data, d.ReceiveAddr())
	require.NoError(t, err)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDaemon(t *testing.T, ableton *fakeAbleton, mutate func(*Config)) *Daemon {
	t.Helper()
	cfg := Config{
		ListenAddr:  "127.0.0.1:0",
		AbletonAddr: ableton.addr(),
		ReceiveAddr: "127.0.0.1:0",
		Timeout:     time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

type lineClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, d *Daemon) *lineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", d.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &lineClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *lineClient) send(t *testing.T, payload string) {
	t.Helper()
	_, err := c.conn.Write([]byte(payload))
	require.NoError(t, err)
}

func (c *lineClient) read(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(line, &out))
	return out
}

func TestResolvedRequestReturnsData(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, nil)
	client := dial(t, d)

	client.send(t, `{"command":"send_message","address":"/live/song/get/track_names","args":[]}`)
	ableton.expect(t, "/live/song/get/track_names")
	ableton.reply(t, d, "/live/song/get/track_names", "Bass", "Lead")

	require.Equal(t, map[string]any{
		"status":  "success",
		"address": "/live/song/get/track_names",
		"data":    []any{"Bass", "Lead"},
	}, client.read(t))
	require.Equal(t, 0, d.table.Len())
}

func TestUnansweredRequestTimesOut(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, func(cfg *Config) { cfg.Timeout = 100 * time.Millisecond })
	client := dial(t, d)

	started := time.Now()
	client.send(t, `{"command":"send_message","address":"/live/song/get/track_names","args":[]}`)
	reply := client.read(t)
	require.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)

	require.Equal(t, "error", reply["status"])
	require.Equal(t, "timeout waiting for response to /live/song/get/track_names", reply["message"])
	require.Equal(t, 0, d.table.Len())
}

func TestStatusReply(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, nil)
	client := dial(t, d)

	client.send(t, `{"command":"get_status"}`)
	reply := client.read(t)
	require.Equal(t, "ok", reply["status"])
	require.EqualValues(t, ableton.conn.LocalAddr().(*net.UDPAddr).Port, reply["ableton_port"])
	require.EqualValues(t, d.ReceiveAddr().Port, reply["receive_port"])
	require.Equal(t, "serving", reply["state"])
	require.EqualValues(t, 1, reply["sessions"])

	select {
	case msg := <-ableton.received:
		t.Fatalf("status must not reach ableton, got %s", msg.Address)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentRequestsResolveIndependently(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, nil)
	tempoClient := dial(t, d)
	namesClient := dial(t, d)

	tempoClient.send(t, `{"command":"send_message","address":"/live/song/get/tempo"}`)
	ableton.expect(t, "/live/song/get/tempo")
	namesClient.send(t, `{"command":"send_message","address":"/live/song/get/track_names"}`)
	ableton.expect(t, "/live/song/get/track_names")

	ableton.reply(t, d, "/live/song/get/track_names", "Drums")
	names := namesClient.read(t)
	require.Equal(t, []any{"Drums"}, names["data"])
	require.Equal(t, 1, d.table.Len())

	ableton.reply(t, d, "/live/song/get/tempo", float32(128))
	tempo := tempoClient.read(t)
	require.Equal(t, []any{float64(128)}, tempo["data"])
}

func TestSameAddressResolvesOldestFirst(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, nil)
	client := dial(t, d)

	client.send(t, `{"jsonrpc":"2.0","id":"1","method":"send_message","params":{"address":"/live/track/get/name","args":[0]}}`)
	ableton.expect(t, "/live/track/get/name")
	client.send(t, `{"jsonrpc":"2.0","id":"2","method":"send_message","params":{"address":"/live/track/get/name","args":[1]}}`)
	ableton.expect(t, "/live/track/get/name")

	ableton.reply(t, d, "/live/track/get/name", int32(0), "Bass")
	ableton.reply(t, d, "/live/track/get/name", int32(1), "Lead")

	got := map[string]any{}
	for range 2 {
		resp := client.read(t)
		got[resp["id"].(string)] = resp["result"].(map[string]any)["data"]
	}
	require.Equal(t, []any{float64(0), "Bass"}, got["1"])
	require.Equal(t, []any{float64(1), "Lead"}, got["2"])
}

func TestCollisionWhenAddressQueueFull(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, func(cfg *Config) { cfg.MaxPendingPerAddress = 1 })
	client := dial(t, d)

	client.send(t, `{"jsonrpc":"2.0","id":"1","method":"send_message","params":{"address":"/live/test"}}`)
	ableton.expect(t, "/live/test")
	client.send(t, `{"jsonrpc":"2.0","id":"2","method":"send_message","params":{"address":"/live/test"}}`)

	resp := client.read(t)
	require.Equal(t, "2", resp["id"])
	require.EqualValues(t, ipc.CodeCorrelationCollision, resp["error"].(map[string]any)["code"])

	ableton.reply(t, d, "/live/test", "ok")
	resp = client.read(t)
	require.Equal(t, "1", resp["id"])
}

func TestFireAndForgetRepliesSent(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, nil)
	client := dial(t, d)

	client.send(t, `{"command":"send_message","address":"/live/song/set/tempo","args":[124.5]}`)
	require.Equal(t, map[string]any{"status": "sent"}, client.read(t))

	msg := ableton.expect(t, "/live/song/set/tempo")
	require.Equal(t, []any{float32(124.5)}, msg.Args)
	require.Equal(t, 0, d.table.Len())
}

func TestRejectedCommands(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, nil)
	client := dial(t, d)

	client.send(t, `{"command":"launch_rockets"}`)
	require.Equal(t, map[string]any{"status": "error", "message": "unknown command", "code": float64(ipc.CodeUnknownMethod)}, client.read(t))

	client.send(t, "{not json}\n")
	reply := client.read(t)
	require.Equal(t, "error", reply["status"])
	require.Equal(t, "invalid payload", reply["message"])

	client.send(t, `{"command":"send_message","address":"live/song"}`)
	reply = client.read(t)
	require.Equal(t, "error", reply["status"])
	require.Contains(t, reply["message"], "address must start with /")

	client.send(t, `{"command":"send_message","address":"/live/song/set/tempo","args":[{"x":1}]}`)
	reply = client.read(t)
	require.Equal(t, "error", reply["status"])
	require.Contains(t, reply["message"], "unsupported osc argument")

	client.send(t, `{"command":"get_status"}`)
	require.Equal(t, "ok", client.read(t)["status"])
}

func TestDisconnectCancelsOnlyOwnRequests(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, nil)
	leaving := dial(t, d)
	staying := dial(t, d)

	leaving.send(t, `{"jsonrpc":"2.0","id":"1","method":"send_message","params":{"address":"/live/clip/get/name"}}`)
	ableton.expect(t, "/live/clip/get/name")
	staying.send(t, `{"jsonrpc":"2.0","id":"1","method":"send_message","params":{"address":"/live/clip/get/name"}}`)
	ableton.expect(t, "/live/clip/get/name")
	require.Equal(t, 2, d.table.Len())

	require.NoError(t, leaving.conn.Close())
	require.Eventually(t, func() bool { return d.table.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	ableton.reply(t, d, "/live/clip/get/name", "Verse")
	resp := staying.read(t)
	require.Equal(t, []any{"Verse"}, resp["result"].(map[string]any)["data"])
}

func TestPlainDisconnectCancelsOnlyOwnRequests(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, func(cfg *Config) { cfg.Timeout = 3 * time.Second })
	leaving := dial(t, d)
	staying := dial(t, d)

	leaving.send(t, `{"command":"send_message","address":"/live/clip/get/name"}`)
	ableton.expect(t, "/live/clip/get/name")
	staying.send(t, `{"command":"send_message","address":"/live/clip/get/name"}`)
	ableton.expect(t, "/live/clip/get/name")
	require.Equal(t, 2, d.table.Len())

	require.NoError(t, leaving.conn.Close())
	require.Eventually(t, func() bool { return d.table.Len() == 1 }, time.Second, 10*time.Millisecond)

	ableton.reply(t, d, "/live/clip/get/name", "Verse")
	require.Equal(t, map[string]any{
		"status":  "success",
		"address": "/live/clip/get/name",
		"data":    []any{"Verse"},
	}, staying.read(t))
}

func TestNonFiniteReplyKeepsSessionOpen(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, nil)
	client := dial(t, d)

	client.send(t, `{"command":"send_message","address":"/live/song/get/tempo"}`)
	ableton.expect(t, "/live/song/get/tempo")
	ableton.replyRaw(t, d, goosc.NewMessage("/live/song/get/tempo", float32(math.NaN())))

	reply := client.read(t)
	require.Equal(t, "error", reply["status"])
	require.Contains(t, reply["message"], "encode reply")

	client.send(t, `{"command":"get_status"}`)
	require.Equal(t, "ok", client.read(t)["status"])
}

func TestLateReplyBecomesNotification(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })
	client := dial(t, d)

	client.send(t, `{"jsonrpc":"2.0","id":"1","method":"send_message","params":{"address":"/live/song/get/tempo"}}`)
	resp := client.read(t)
	require.EqualValues(t, ipc.CodeTimeout, resp["error"].(map[string]any)["code"])

	ableton.reply(t, d, "/live/song/get/tempo", float32(90))
	note := client.read(t)
	require.Equal(t, "notification", note["type"])
	require.Equal(t, "/live/song/get/tempo", note["address"])
	require.Equal(t, []any{float64(90)}, note["args"])
}

func TestStopFailsPendingRequests(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, nil)
	client := dial(t, d)

	client.send(t, `{"jsonrpc":"2.0","id":"1","method":"send_message","params":{"address":"/live/view/get/selected_track"}}`)
	ableton.expect(t, "/live/view/get/selected_track")

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop() }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("daemon did not stop")
	}
	require.Equal(t, fsm.StateStopped, d.State())
	require.Equal(t, 0, d.table.Len())

	_, err := net.DialTimeout("tcp", d.Addr().String(), 200*time.Millisecond)
	require.Error(t, err)
}

func TestStartFailsWhenControlAddressTaken(t *testing.T) {
	ableton := startFakeAbleton(t)
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	d, err := New(Config{
		ListenAddr:  taken.Addr().String(),
		AbletonAddr: ableton.addr(),
		ReceiveAddr: "127.0.0.1:0",
	}, testLogger())
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, fsm.StateFailed, d.State())
	require.ErrorIs(t, d.Wait(), err)
}

func TestStartReportsAlreadyRunning(t *testing.T) {
	ableton := startFakeAbleton(t)
	first := startDaemon(t, ableton, nil)

	second, err := New(Config{
		ListenAddr:  first.Addr().String(),
		AbletonAddr: ableton.addr(),
		ReceiveAddr: "127.0.0.1:0",
	}, testLogger())
	require.NoError(t, err)
	require.ErrorIs(t, second.Start(context.Background()), ipc.ErrAlreadyRunning)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{ListenAddr: "127.0.0.1:0", AbletonAddr: "", ReceiveAddr: "127.0.0.1:0"}, nil)
	require.Error(t, err)

	_, err = New(Config{
		ListenAddr:    "127.0.0.1:0",
		AbletonAddr:   "127.0.0.1:11000",
		ReceiveAddr:   "127.0.0.1:0",
		ReplyPrefixes: []string{"live/song/get"},
	}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must start with /")
}

func TestStopBeforeStart(t *testing.T) {
	d, err := New(Config{ListenAddr: "127.0.0.1:0", AbletonAddr: "127.0.0.1:11000", ReceiveAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, d.Stop(), errNotStarted)
}

func TestContextCancelStopsDaemon(t *testing.T) {
	ableton := startFakeAbleton(t)
	d, err := New(Config{ListenAddr: "127.0.0.1:0", AbletonAddr: ableton.addr(), ReceiveAddr: "127.0.0.1:0"}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool { return d.State() == fsm.StateServing }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
	}
	require.Equal(t, fsm.StateStopped, d.State())
}

func TestHealthEndpointTracksLifecycle(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, func(cfg *Config) { cfg.HealthAddr = "127.0.0.1:0" })

	conn, err := grpc.NewClient(d.HealthAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	require.NoError(t, d.Stop())
	_, err = healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.Error(t, err)
}

func TestWebSocketControlChannel(t *testing.T) {
	ableton := startFakeAbleton(t)
	d := startDaemon(t, ableton, func(cfg *Config) { cfg.WebSocketAddr = "127.0.0.1:0" })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+d.WebSocketAddr().String()+ipc.WebSocketPath, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":"a","method":"send_message","params":{"address":"/live/application/get/version"}}`)))
	ableton.expect(t, "/live/application/get/version")
	ableton.reply(t, d, "/live/application/get/version", int32(12), int32(1))

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &resp))
	require.Equal(t, "a", resp["id"])
	require.Equal(t, []any{float64(12), float64(1)}, resp["result"].(map[string]any)["data"])
}

func TestExpectsReply(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.True(t, cfg.ExpectsReply("/live/song/get/tempo"))
	require.True(t, cfg.ExpectsReply("/live/test"))
	require.False(t, cfg.ExpectsReply("/live/song/set/tempo"))
	require.False(t, cfg.ExpectsReply("/live/song/start_playing"))
}
