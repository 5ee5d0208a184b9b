package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auralink/internal/ipc"
)

func u32(v uint32) *uint32 { return &v }

func TestPacketRoundTrip(t *testing.T) {
	packets := []Packet{
		{Payload: Log{Text: "probe attached\tpid=42"}},
		{Payload: Quit{}},
		{ID: u32(7), Payload: InputChar{Code: 'ß'}},
		{Payload: IMECandidateList{Selection: 1, PageStart: 10, Items: []string{"日本", "二本", "\n"}}},
		{ID: u32(0), Payload: IMEConversionMode{Flags: ConversionNative | ConversionFullShape}},
	}
	for _, in := range packets {
		t.Run(string(in.Payload.Kind()), func(t *testing.T) {
			frame, err := ipc.Encode(in)
			require.NoError(t, err)

			var out Packet
			require.NoError(t, ipc.Decode(frame, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestPacketWireShape(t *testing.T) {
	frame, err := ipc.Encode(Packet{Payload: InputChar{Code: 'a'}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"input_char","data":{"code":97}}`, string(frame[:len(frame)-1]))

	var p Packet
	assert.Error(t, ipc.Decode([]byte(`{"kind":"reboot"}`), &p))
}

func TestCandidateSelected(t *testing.T) {
	l := IMECandidateList{Selection: 1, Items: []string{"a", "b"}}
	got, ok := l.Selected()
	assert.True(t, ok)
	assert.Equal(t, "b", got)

	_, ok = IMECandidateList{Selection: 3, Items: []string{"a"}}.Selected()
	assert.False(t, ok)
	_, ok = IMECandidateList{Selection: -1}.Selected()
	assert.False(t, ok)
}

func TestConversionModeString(t *testing.T) {
	assert.Equal(t, "alphanumeric", IMEConversionMode{}.String())
	assert.Equal(t, "native, katakana", IMEConversionMode{Flags: ConversionNative | ConversionKatakana}.String())
}

func testAddr(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "alrelay")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("XDG_RUNTIME_DIR", dir)
	return ipc.Address(fmt.Sprintf("relay-%d", time.Now().UnixNano()))
}

func startRelay(t *testing.T, cfg Config, setup func(*Server)) (*Server, string) {
	t.Helper()
	addr := testAddr(t)
	srv := NewServer(cfg)
	if setup != nil {
		setup(srv)
	}
	require.NoError(t, srv.Listen(addr))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, addr
}

func dialProbe(t *testing.T, addr string) *ipc.Channel[Packet, Packet] {
	t.Helper()
	conn, err := ipc.Dial(context.Background(), addr)
	require.NoError(t, err)
	ch := ipc.NewChannel[Packet, Packet](conn)
	t.Cleanup(func() { ch.Close() })
	return ch
}

// TestOneProbeQuitDoesNotEndOthers connects probes A and B; B quits and
// A's InputChar still reaches every listener.
func TestOneProbeQuitDoesNotEndOthers(t *testing.T) {
	var mu sync.Mutex
	var first, second []rune
	srv, addr := startRelay(t, Config{}, func(s *Server) {
		s.OnInputChar(func(c InputChar) {
			mu.Lock()
			first = append(first, c.Code)
			mu.Unlock()
		})
		s.OnInputChar(func(c InputChar) {
			mu.Lock()
			second = append(second, c.Code)
			mu.Unlock()
		})
	})

	a := dialProbe(t, addr)
	b := dialProbe(t, addr)
	require.Eventually(t, func() bool { return srv.Sessions() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Send(Packet{Payload: Quit{}}))
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Send(Packet{Payload: InputChar{Code: 'a'}}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 1 && len(second) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []rune{'a'}, first)
	assert.Equal(t, []rune{'a'}, second)
	mu.Unlock()
	assert.Equal(t, 1, srv.Sessions())

	require.NoError(t, a.Send(Packet{Payload: InputChar{Code: 'b'}}))
	require.Eventually(t, func() bool { return srv.Dispatched() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameSkipped(t *testing.T) {
	server, client := net.Pipe()
	srv := NewServer(Config{})

	got := make(chan IMECandidateList, 1)
	srv.OnIMECandidateList(func(l IMECandidateList) { got <- l })

	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), server) }()

	_, err := client.Write([]byte("{\"kind\":\n"))
	require.NoError(t, err)
	ch := ipc.NewChannel[Packet, Packet](client)
	require.NoError(t, ch.Send(Packet{Payload: Log{Text: "hello"}}))
	require.NoError(t, ch.Send(Packet{Payload: IMECandidateList{Selection: 0, Items: []string{"x"}}}))

	select {
	case l := <-got:
		assert.Equal(t, []string{"x"}, l.Items)
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called after malformed frame")
	}

	require.NoError(t, ch.Send(Packet{Payload: Quit{}}))
	assert.NoError(t, <-done)
}

func TestListenerOrderAndPanicRecovery(t *testing.T) {
	server, client := net.Pipe()
	srv := NewServer(Config{})

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	srv.AddListener(KindIMEConversionMode, func(Payload) { record("first") })
	srv.AddListener(KindIMEConversionMode, func(Payload) { panic("listener bug") })
	srv.AddListener(KindIMEConversionMode, func(Payload) { record("third") })

	go srv.ServeConn(context.Background(), server)

	ch := ipc.NewChannel[Packet, Packet](client)
	defer ch.Close()
	require.NoError(t, ch.Send(Packet{Payload: IMEConversionMode{Flags: 1}}))
	require.NoError(t, ch.Send(Packet{Payload: IMEConversionMode{Flags: 2}}))

	require.Eventually(t, func() bool { return srv.Dispatched() == 2 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first", "third", "first", "third"}, order)
	mu.Unlock()
}

func TestAddListenerFromInsideListener(t *testing.T) {
	server, client := net.Pipe()
	srv := NewServer(Config{})

	added := make(chan struct{})
	late := make(chan rune, 1)
	var once sync.Once
	srv.OnInputChar(func(InputChar) {
		once.Do(func() {
			srv.OnInputChar(func(c InputChar) { late <- c.Code })
			close(added)
		})
	})
	go srv.ServeConn(context.Background(), server)

	ch := ipc.NewChannel[Packet, Packet](client)
	defer ch.Close()
	require.NoError(t, ch.Send(Packet{Payload: InputChar{Code: 'x'}}))
	<-added
	require.NoError(t, ch.Send(Packet{Payload: InputChar{Code: 'y'}}))

	select {
	case c := <-late:
		assert.Equal(t, 'y', c)
	case <-time.After(2 * time.Second):
		t.Fatal("listener registered from a listener was not called")
	}
}

func TestMaxSessions(t *testing.T) {
	srv, addr := startRelay(t, Config{MaxSessions: 1}, nil)

	dialProbe(t, addr)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := dialProbe(t, addr)
	_, err := second.Recv()
	assert.Error(t, err, "second probe should be disconnected")
	assert.Equal(t, 1, srv.Sessions())
}

func TestCloseEndsSessions(t *testing.T) {
	addr := testAddr(t)
	srv := NewServer(Config{})
	require.NoError(t, srv.Listen(addr))

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	dialProbe(t, addr)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Close())
	assert.Zero(t, srv.Sessions())
	assert.NoError(t, <-done)
	assert.ErrorIs(t, srv.Listen(addr), ErrServerClosed)
}

func TestListenerStopsServer(t *testing.T) {
	addr := testAddr(t)
	srv := NewServer(Config{})
	stopped := make(chan error, 1)
	srv.OnInputChar(func(InputChar) { stopped <- srv.Stop() })
	require.NoError(t, srv.Listen(addr))

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	ch := dialProbe(t, addr)
	require.NoError(t, ch.Send(Packet{Payload: InputChar{Code: 'q'}}))

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from a listener did not return")
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, srv.Close())
}
