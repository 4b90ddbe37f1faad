package notifier

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gws "github.com/gorilla/websocket"
	"github.com/nkkko/feedhub/internal/domain"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher accepts every surface and remembers its sink
type fakeDispatcher struct {
	mu     sync.Mutex
	next   int
	sinks  map[proto.SurfaceID]domain.Sink
	closed chan proto.SurfaceID
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		sinks:  make(map[proto.SurfaceID]domain.Sink),
		closed: make(chan proto.SurfaceID, 16),
	}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, msg *proto.Message, sink domain.Sink) (*proto.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch msg.Action {
	case proto.ActionSurfaceOpen:
		id := msg.SurfaceId
		if id == "" {
			d.next++
			id = proto.SurfaceID(fmt.Sprintf("surface-%d", d.next))
		}
		if _, exists := d.sinks[id]; exists {
			return &proto.Response{Success: false, SurfaceId: id, Error: "surface already open"}, nil
		}
		d.sinks[id] = sink
		return &proto.Response{Success: true, SurfaceId: id}, nil
	case proto.ActionPing:
		return &proto.Response{Success: true, SurfaceId: msg.SurfaceId}, nil
	case proto.ActionState:
		return &proto.Response{Success: true, SurfaceId: msg.SurfaceId, Data: "snapshot"}, nil
	}
	return &proto.Response{Success: false, Error: "unsupported"}, nil
}

func (d *fakeDispatcher) CloseSurface(id proto.SurfaceID) {
	d.mu.Lock()
	delete(d.sinks, id)
	d.mu.Unlock()
	d.closed <- id
}

func (d *fakeDispatcher) send(t *testing.T, id proto.SurfaceID, ev *proto.Event) {
	t.Helper()
	d.mu.Lock()
	sink, ok := d.sinks[id]
	d.mu.Unlock()
	require.True(t, ok, "surface %s is not open", id)
	require.NoError(t, sink.Send(ev))
}

func (d *fakeDispatcher) waitClosed(t *testing.T, id proto.SurfaceID) {
	t.Helper()
	select {
	case got := <-d.closed:
		assert.Equal(t, id, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("surface %s was not closed", id)
	}
}

func startNotifier(t *testing.T, config Config) (*Notifier, *fakeDispatcher, string) {
	t.Helper()
	dispatcher := newFakeDispatcher()
	n := NewNotifier(config, dispatcher)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	n.RegisterWebSocketHandler(app)
	n.RegisterSSEHandler(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))

	t.Cleanup(func() {
		cancel()
		n.Shutdown(context.Background())
		app.Shutdown()
	})
	return n, dispatcher, ln.Addr().String()
}

func readResponse(t *testing.T, conn *gws.Conn) proto.Response {
	t.Helper()
	var resp proto.Response
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestWebSocketSurface_Lifecycle(t *testing.T) {
	config := DefaultConfig()
	config.HeartbeatInterval = time.Minute
	n, dispatcher, addr := startNotifier(t, config)

	conn, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/surface?key=room-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	opened := readResponse(t, conn)
	require.True(t, opened.Success, opened.Error)
	id := opened.SurfaceId
	assert.Equal(t, proto.SurfaceID("surface-1"), id)
	assert.Equal(t, 1, n.ClientCount())

	dispatcher.send(t, id, &proto.Event{
		Kind:   proto.EventDataChange,
		Key:    "room-1",
		Change: &proto.ChangeEvent{Key: "room-1", Id: "r1", Action: proto.ChangeAdded},
	})

	var ev proto.Event
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, proto.EventDataChange, ev.Kind)
	require.NotNil(t, ev.Change)
	assert.Equal(t, "r1", ev.Change.Id)

	require.NoError(t, conn.WriteJSON(proto.Message{Action: proto.ActionPing}))
	pong := readResponse(t, conn)
	assert.True(t, pong.Success)
	assert.Equal(t, id, pong.SurfaceId)

	// Surfaces may not drive the coordinator
	require.NoError(t, conn.WriteJSON(proto.Message{Action: proto.ActionDataChange}))
	rejected := readResponse(t, conn)
	assert.False(t, rejected.Success)
	assert.Contains(t, rejected.Error, "not allowed")

	require.NoError(t, conn.WriteJSON(proto.Message{Action: proto.ActionSurfaceClose}))
	dispatcher.waitClosed(t, id)
	assert.Eventually(t, func() bool { return n.ClientCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketSurface_DisconnectClosesSurface(t *testing.T) {
	config := DefaultConfig()
	config.HeartbeatInterval = time.Minute
	_, dispatcher, addr := startNotifier(t, config)

	conn, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/surface?url=https://example.com/a&surface=tab-7", nil)
	require.NoError(t, err)

	opened := readResponse(t, conn)
	require.True(t, opened.Success)
	assert.Equal(t, proto.SurfaceID("tab-7"), opened.SurfaceId)

	conn.Close()
	dispatcher.waitClosed(t, "tab-7")
}

func TestWebSocketSurface_DuplicateAndMissingKey(t *testing.T) {
	_, _, addr := startNotifier(t, DefaultConfig())

	first, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/surface?key=k&surface=dup", nil)
	require.NoError(t, err)
	defer first.Close()
	require.True(t, readResponse(t, first).Success)

	second, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/surface?key=k&surface=dup", nil)
	require.NoError(t, err)
	defer second.Close()
	dup := readResponse(t, second)
	assert.False(t, dup.Success)
	assert.Contains(t, dup.Error, "already open")

	nokey, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/surface", nil)
	require.NoError(t, err)
	defer nokey.Close()
	missing := readResponse(t, nokey)
	assert.False(t, missing.Success)
	assert.Contains(t, missing.Error, "key or url")
}

func TestWebSocketSurface_IdleClientsAreDropped(t *testing.T) {
	config := DefaultConfig()
	config.MaxIdleTime = 100 * time.Millisecond
	config.HeartbeatInterval = time.Minute
	n, dispatcher, addr := startNotifier(t, config)

	conn, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/surface?key=quiet", nil)
	require.NoError(t, err)
	defer conn.Close()
	opened := readResponse(t, conn)
	require.True(t, opened.Success)

	dispatcher.waitClosed(t, opened.SurfaceId)
	assert.Eventually(t, func() bool { return n.ClientCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestSSESurface_StreamsEvents(t *testing.T) {
	config := DefaultConfig()
	config.HeartbeatInterval = 50 * time.Millisecond
	n, dispatcher, addr := startNotifier(t, config)

	resp, err := http.Get("http://" + addr + "/surface-sse?key=room-2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}

	assert.Equal(t, "opened", readEvent())
	require.Eventually(t, func() bool { return n.ClientCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	dispatcher.send(t, "surface-1", &proto.Event{Kind: proto.EventStatus, Status: "ready"})
	assert.Equal(t, string(proto.EventStatus), readEvent())

	resp.Body.Close()
	dispatcher.waitClosed(t, "surface-1")
}

func TestSSESurface_RequiresKey(t *testing.T) {
	_, _, addr := startNotifier(t, DefaultConfig())

	resp, err := http.Get("http://" + addr + "/surface-sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
