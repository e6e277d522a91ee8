package uplink

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirefin/cellws/hardware/channel"
	"github.com/wirefin/cellws/hardware/modem"
	"github.com/wirefin/cellws/log2"
	"github.com/wirefin/cellws/ws"
)

// wsStub upgrades immediately and records sent frames.
type wsStub struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
	inbox     [][]byte
}

func (f *wsStub) Connect() error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *wsStub) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.Errorf("stub: not connected")
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	if len(p) > 4 && string(p[:4]) == "GET " {
		f.inbox = append(f.inbox, []byte("HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\nConnection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: stub\r\n\r\n"))
	}
	return nil
}

func (f *wsStub) Receive(time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return nil, errors.Timeoutf("stub: no data")
	}
	head := f.inbox[0]
	f.inbox = f.inbox[1:]
	return head, nil
}

func (f *wsStub) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *wsStub) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *wsStub) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testUplink(t *testing.T) (*Uplink, *modem.Session) {
	log := log2.NewTest(t, log2.LDebug)
	engine := modem.NewEngine(channel.NewMock(), log)
	session := modem.NewSession(engine, modem.SessionConfig{}, log)
	u, err := NewUplink(Config{PersistPath: t.TempDir()}, session, log)
	require.NoError(t, err)
	return u, session
}

func TestQueueDelivery(t *testing.T) {
	t.Parallel()
	u, _ := testUplink(t)
	log := log2.NewTest(t, log2.LDebug)

	// queued before the link exists, must survive until delivery
	require.NoError(t, u.Enqueue([]byte(`{"type":"status","n":1}`)))
	require.NoError(t, u.Enqueue([]byte(`{"type":"status","n":2}`)))

	stub := &wsStub{}
	client := ws.NewClient(stub, ws.Config{
		Host: "srv.example", Port: 80,
		PingInterval:      time.Hour,
		ReconnectInterval: time.Hour,
		ResponseTimeout:   100 * time.Millisecond,
	}, u, log)
	u.Attach(client)
	require.NoError(t, client.Connect())

	// handshake + 2 queued messages
	deadline := time.Now().Add(2 * time.Second)
	for stub.sentCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 3, stub.sentCount())

	require.NoError(t, client.Close())
	require.NoError(t, u.Close())
}

func TestStatusMessage(t *testing.T) {
	t.Parallel()
	u, _ := testUplink(t)
	defer u.q.Close()

	b, err := u.pushStatus()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "status", m["type"])
	assert.EqualValues(t, modem.SignalUnknown, m["signal"])
	assert.Equal(t, "unknown", m["registration"])
	assert.Contains(t, m, "ts")
	assert.Contains(t, m, "uptime_s")
}

func TestEchoInbound(t *testing.T) {
	t.Parallel()
	u, _ := testUplink(t)
	defer u.q.Close()

	u.Handle(ws.Event{Kind: ws.EventData, Opcode: ws.OpText, Data: []byte("hi")})
	u.Handle(ws.Event{Kind: ws.EventData, Opcode: ws.OpText, Data: []byte("echo: hi")})
	u.Handle(ws.Event{Kind: ws.EventData, Opcode: ws.OpBinary, Data: []byte{0x01}})
	require.NoError(t, u.Enqueue([]byte("sentinel")))

	box, err := u.q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", string(box.Bytes()))
	require.NoError(t, u.q.Delete(box))

	// already-prefixed and binary frames were not queued
	box, err = u.q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "sentinel", string(box.Bytes()))
	require.NoError(t, u.q.Delete(box))
}

func TestSensorMessageWalksInRange(t *testing.T) {
	t.Parallel()
	u, _ := testUplink(t)
	defer u.q.Close()

	for i := 0; i < 1000; i++ {
		b, err := u.pushSensor()
		require.NoError(t, err)
		var m sensorMessage
		require.NoError(t, json.Unmarshal(b, &m))
		assert.Equal(t, "sensor", m.Type)
		assert.Equal(t, "temperature", m.Name)
		require.GreaterOrEqual(t, m.Value, -10.0)
		require.LessOrEqual(t, m.Value, 50.0)
	}
}
