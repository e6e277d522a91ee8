package ws

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/wirefin/cellws/helpers"
	"github.com/wirefin/cellws/log2"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "invalid"
}

// Socket is the transport under the client. *modem.Socket satisfies it;
// tests plug in a fake.
type Socket interface {
	Connect() error
	Send(p []byte) error
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
	Connected() bool
}

type Config struct {
	Host string
	Port uint16
	Path string

	PingInterval      time.Duration
	ReconnectInterval time.Duration
	ResponseTimeout   time.Duration
	// VerifyAccept compares the Sec-WebSocket-Accept digest instead of
	// only requiring the header.
	VerifyAccept bool
}

func (c *Config) setDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 10 * time.Second
	}
	if c.Path == "" {
		c.Path = "/"
	}
}

// recvPoll is how long one Process call listens for inbound bytes. Short:
// Process runs on the caller's loop and must not starve sends.
const recvPoll = 100 * time.Millisecond

// Client speaks the WebSocket protocol over one Socket. Process must be
// called regularly by the owner's loop; pings run on their own worker.
// At most one frame is handled per Process call, trailing bytes in the
// same read are dropped.
type Client struct {
	Config Config

	sock  Socket
	sink  Sink
	log   *log2.Log
	alive *alive.Alive

	state int32

	rndMu sync.Mutex
	rnd   *rand.Rand

	pingOnce sync.Once

	reconnectMu sync.Mutex
	reconnectT  *time.Timer
}

func NewClient(sock Socket, config Config, sink Sink, log *log2.Log) *Client {
	config.setDefaults()
	return &Client{
		Config: config,
		sock:   sock,
		sink:   sink,
		log:    log,
		alive:  alive.NewAlive(),
		rnd:    helpers.RandUnix(),
	}
}

func (c *Client) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Client) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

func (c *Client) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(from), int32(to))
}

// Connect dials the transport and performs the upgrade handshake. Safe to
// call from the reconnect timer and the owner at the same time: only one
// caller wins the Disconnected->Connecting transition.
func (c *Client) Connect() error {
	if !c.casState(StateDisconnected, StateConnecting) &&
		!c.casState(StateError, StateConnecting) {
		return errors.Errorf("connect skipped, state=%s", c.State().String())
	}

	if err := c.sock.Connect(); err != nil {
		return c.failConnect(errors.Annotate(err, "transport"))
	}

	key := c.randKey()
	if err := c.sock.Send(handshakeRequest(c.Config.Host, c.Config.Port, c.Config.Path, key)); err != nil {
		return c.failConnect(errors.Annotate(err, "handshake send"))
	}

	resp, err := c.awaitHandshake()
	if err != nil {
		return c.failConnect(errors.Annotate(err, "handshake recv"))
	}
	if err = validateHandshake(resp, key, c.Config.VerifyAccept); err != nil {
		return c.failConnect(errors.Trace(err))
	}

	c.setState(StateConnected)
	c.pingOnce.Do(c.startPingWorker)
	c.log.Infof("ws: connected %s:%d%s", c.Config.Host, c.Config.Port, c.Config.Path)
	c.emit(Event{Kind: EventConnected})
	return nil
}

func (c *Client) awaitHandshake() ([]byte, error) {
	deadline := time.Now().Add(c.Config.ResponseTimeout)
	for {
		resp, err := c.sock.Receive(500 * time.Millisecond)
		switch {
		case err == nil:
			return resp, nil
		case errors.IsTimeout(err), errors.IsNotFound(err):
			// nothing usable yet; unsolicited modem noise is not fatal
		default:
			return nil, errors.Trace(err)
		}
		if !time.Now().Before(deadline) {
			return nil, errors.Timeoutf("no handshake response")
		}
	}
}

// failConnect parks the client in Error. No reconnect timer here: the
// timer covers lost connections, a failed connect waits for an explicit
// Connect call (the Error->Connecting transition).
func (c *Client) failConnect(err error) error {
	_ = c.sock.Close()
	c.setState(StateError)
	c.emit(Event{Kind: EventError, Err: err})
	return err
}

// SendText transmits one masked text frame.
func (c *Client) SendText(s string) error { return c.send(OpText, []byte(s)) }

// SendBinary transmits one masked binary frame.
func (c *Client) SendBinary(p []byte) error { return c.send(OpBinary, p) }

// Ping transmits one ping frame. The ping worker calls this on its own;
// exported for manual keepalive checks.
func (c *Client) Ping() error { return c.send(OpPing, nil) }

func (c *Client) send(op Opcode, payload []byte) error {
	if c.State() != StateConnected {
		return errors.Errorf("send %s: not connected", op.String())
	}
	frame, err := EncodeFrame(op, payload, c.randMask())
	if err != nil {
		return errors.Trace(err)
	}
	if err = c.sock.Send(frame); err != nil {
		return errors.Annotatef(err, "send %s", op.String())
	}
	return nil
}

// Process performs one poll step: liveness check, at most one inbound
// frame. Call it from the owner's loop every cycle.
func (c *Client) Process() error {
	if c.State() != StateConnected {
		return nil
	}
	if !c.sock.Connected() {
		c.lost(errors.Errorf("transport lost"))
		return errors.Errorf("ws: transport lost")
	}

	raw, err := c.sock.Receive(recvPoll)
	if err != nil {
		switch {
		case errors.IsTimeout(err): // nothing arrived
		case errors.IsNotFound(err):
			c.log.Debugf("ws: unframed noise: %v", err)
		default:
			c.log.Errorf("ws: receive: %v", err)
		}
		return nil
	}

	f, n, err := DecodeFrame(raw)
	if err != nil {
		c.emit(Event{Kind: EventError, Err: err})
		return errors.Trace(err)
	}
	if n < len(raw) {
		c.log.Debugf("ws: dropping %d trailing bytes after frame", len(raw)-n)
	}
	c.dispatch(f)
	return nil
}

func (c *Client) dispatch(f Frame) {
	switch f.Opcode {
	case OpText, OpBinary, OpContinuation:
		c.emit(Event{Kind: EventData, Opcode: f.Opcode, Data: f.Payload})
	case OpPing:
		if err := c.send(OpPong, f.Payload); err != nil {
			c.log.Errorf("ws: pong: %v", err)
		}
	case OpPong:
		c.log.Debugf("ws: pong received")
	case OpClose:
		code := CloseCode(f.Payload)
		c.log.Infof("ws: close frame code=%d", code)
		_ = c.send(OpClose, f.Payload)
		_ = c.sock.Close()
		c.setState(StateDisconnected)
		c.emit(Event{Kind: EventClosed, Code: code})
		c.armReconnect()
	default:
		c.log.Debugf("ws: ignoring %s frame", f.Opcode.String())
	}
}

func (c *Client) lost(err error) {
	_ = c.sock.Close()
	c.setState(StateDisconnected)
	c.emit(Event{Kind: EventDisconnected, Err: err})
	c.armReconnect()
}

// Disconnect closes the connection on purpose: close frame, transport
// teardown, no reconnect timer.
func (c *Client) Disconnect() error {
	c.stopReconnect()
	if c.State() == StateConnected {
		_ = c.send(OpClose, nil)
	}
	err := c.sock.Close()
	c.setState(StateDisconnected)
	c.emit(Event{Kind: EventDisconnected})
	return errors.Annotate(err, "disconnect")
}

// Close is Disconnect plus worker shutdown. The client is unusable after.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.alive.Stop()
	c.alive.Wait()
	return err
}

func (c *Client) startPingWorker() {
	if !c.alive.Add(1) {
		return
	}
	go func() {
		defer c.alive.Done()
		t := time.NewTicker(c.Config.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if c.State() != StateConnected {
					continue
				}
				if err := c.Ping(); err != nil {
					c.log.Errorf("ws: ping: %v", err)
				}
			case <-c.alive.StopChan():
				return
			}
		}
	}()
}

func (c *Client) armReconnect() {
	if c.Config.ReconnectInterval <= 0 {
		return
	}
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	if c.reconnectT != nil {
		return
	}
	c.reconnectT = time.AfterFunc(c.Config.ReconnectInterval, func() {
		c.reconnectMu.Lock()
		c.reconnectT = nil
		c.reconnectMu.Unlock()
		if !c.alive.IsRunning() {
			return
		}
		// Connect CAS makes this a no-op when someone already
		// reconnected by hand.
		if err := c.Connect(); err != nil {
			c.log.Debugf("ws: reconnect: %v", err)
		}
	})
}

func (c *Client) stopReconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	if c.reconnectT != nil {
		c.reconnectT.Stop()
		c.reconnectT = nil
	}
}

func (c *Client) emit(e Event) {
	if c.sink == nil {
		return
	}
	c.sink.Handle(e)
}

func (c *Client) randKey() string {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return newKey(c.rnd)
}

func (c *Client) randMask() [4]byte {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	var key [4]byte
	c.rnd.Read(key[:])
	return key
}
