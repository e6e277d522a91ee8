package modem

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/wirefin/cellws/helpers"
	"github.com/wirefin/cellws/log2"
)

// Default socket timings. The SIM7670G is slow to report socket state;
// these match observed worst cases, not datasheet promises.
const (
	DefaultSettleDelay    = 2 * time.Second
	DefaultOpenTimeout    = 15 * time.Second
	DefaultPromptTimeout  = 3 * time.Second
	DefaultPromptRetries  = 2
	DefaultRetryBackoff   = 1 * time.Second
	DefaultConfirmTimeout = 10 * time.Second
	DefaultRecvAcquire    = 1 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
)

var (
	sendPrompt      = []byte(">")
	sendConfirmStop = [][]byte{[]byte("+CIPSEND:"), []byte("SEND OK"), markerError}
)

// Socket is one emulated TCP connection through the modem, link id 0.
// Not safe for concurrent use; the channel guard serializes the wire but
// Connect/Send/Receive interleaving is the caller's problem.
type Socket struct {
	session *Session
	clock   helpers.Clock
	log     *log2.Log

	host string
	port uint16

	SettleDelay    time.Duration
	OpenTimeout    time.Duration
	PromptTimeout  time.Duration
	PromptRetries  int
	RetryBackoff   time.Duration
	ConfirmTimeout time.Duration
	RecvAcquire    time.Duration
	CloseTimeout   time.Duration

	mu   sync.Mutex
	open bool
}

func NewSocket(session *Session, host string, port uint16, clock helpers.Clock, log *log2.Log) *Socket {
	if clock == nil {
		clock = helpers.RealClock{}
	}
	return &Socket{
		session: session,
		clock:   clock,
		log:     log,
		host:    host,
		port:    port,

		SettleDelay:    DefaultSettleDelay,
		OpenTimeout:    DefaultOpenTimeout,
		PromptTimeout:  DefaultPromptTimeout,
		PromptRetries:  DefaultPromptRetries,
		RetryBackoff:   DefaultRetryBackoff,
		ConfirmTimeout: DefaultConfirmTimeout,
		RecvAcquire:    DefaultRecvAcquire,
		CloseTimeout:   DefaultCloseTimeout,
	}
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Socket) checkReady() error {
	if st := s.session.Status(); !st.Ready() {
		return errors.NotProvisionedf("session not ready for data: responsive=%t sim=%s reg=%s context=%t",
			st.Responsive, st.Sim.String(), st.Registration.String(), st.ContextUp)
	}
	return nil
}

// Connect opens the network stack and the TCP link, then verifies the link
// really exists with AT+CIPOPEN?. NETOPEN reporting "already opened" or
// "+NETOPEN: 0" over an ERROR final is success: the stack was up from a
// previous run. Refused while the session is not ready, the modem answers
// socket commands with garbage during registration.
func (s *Socket) Connect() error {
	if err := s.checkReady(); err != nil {
		return errors.Trace(err)
	}
	e := s.session.Engine()

	resp, err := e.Execute("AT+NETOPEN", 10*time.Second)
	if err != nil && !strings.Contains(resp, "+NETOPEN: 0") && !strings.Contains(resp, "already opened") {
		return errors.Annotate(err, "netopen")
	}

	// Stale link 0 from a crashed run blocks CIPOPEN, clear it first.
	if resp, err = e.Execute("AT+CIPCLOSE=0", s.CloseTimeout); err != nil {
		s.log.Debugf("socket: pre-close: %s", describeFailure(resp))
	}

	open := fmt.Sprintf(`AT+CIPOPEN=0,"TCP","%s",%d`, s.host, s.port)
	if resp, err = e.Execute(open, s.OpenTimeout); err != nil {
		return errors.Annotatef(err, "cipopen %s:%d", s.host, s.port)
	}

	// The modem answers OK before the link is usable.
	s.clock.Sleep(s.SettleDelay)

	if resp, err = e.Execute("AT+CIPOPEN?", 5*time.Second); err != nil {
		return errors.Annotate(err, "cipopen verify")
	}
	want := fmt.Sprintf(`0,"TCP","%s",%d`, s.host, s.port)
	if !strings.Contains(resp, want) {
		return errors.Errorf("socket not established, want %s got %s", want, describeFailure(resp))
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.session.emit(Event{Kind: EventSocket, Up: true, Detail: fmt.Sprintf("%s:%d", s.host, s.port)})
	s.log.Infof("socket: connected %s:%d", s.host, s.port)
	return nil
}

// Send transmits p over link 0. The '>' prompt phase retries with backoff;
// once payload bytes hit the wire there are no retries, a short confirmed
// count is a hard error because resending would duplicate bytes.
func (s *Socket) Send(p []byte) error {
	if len(p) == 0 {
		return errors.NotValidf("empty payload")
	}
	if err := s.checkReady(); err != nil {
		return errors.Trace(err)
	}
	if !s.Connected() {
		return errors.Errorf("socket not connected")
	}
	e := s.session.Engine()

	var lastErr error
	for attempt := 0; attempt <= s.PromptRetries; attempt++ {
		if attempt > 0 {
			s.clock.Sleep(s.RetryBackoff)
		}
		t, err := e.Begin(e.AcquireTimeout)
		if err != nil {
			return errors.Annotate(err, "send acquire")
		}
		lastErr = s.sendOnce(t, p)
		t.Release()
		if lastErr == nil {
			return nil
		}
		if !isPromptError(lastErr) {
			break
		}
		s.log.Debugf("socket: send prompt retry %d: %v", attempt+1, lastErr)
	}
	return errors.Annotate(lastErr, "send")
}

type promptError struct{ resp string }

func (e promptError) Error() string { return "no send prompt, response=" + describeFailure(e.resp) }

func isPromptError(err error) bool {
	_, ok := errors.Cause(err).(promptError)
	return ok
}

func (s *Socket) sendOnce(t *Transaction, p []byte) error {
	if err := t.FlushInput(); err != nil {
		return errors.Annotate(err, "flush")
	}
	if err := t.WriteLine(fmt.Sprintf("AT+CIPSEND=0,%d", len(p))); err != nil {
		return errors.Annotate(err, "write cipsend")
	}
	resp, found, err := t.Collect([][]byte{sendPrompt}, s.PromptTimeout)
	if err != nil && !errors.IsTimeout(err) {
		return errors.Annotate(err, "prompt wait")
	}
	if !found {
		return promptError{resp: string(resp)}
	}

	if err = t.WriteRaw(p); err != nil {
		return errors.Annotate(err, "write payload")
	}
	resp, found, err = t.Collect(sendConfirmStop, s.ConfirmTimeout)
	text := string(resp)
	if err != nil {
		return errors.Annotatef(err, "confirm wait response=%s", describeFailure(text))
	}
	if !found {
		return errors.Timeoutf("send unconfirmed response=%s", describeFailure(text))
	}
	if strings.Contains(text, "+CIPSEND:") {
		n, perr := parseSendReport(text)
		if perr != nil {
			return errors.Trace(perr)
		}
		if n != len(p) {
			return errors.Errorf("short send: confirmed %d of %d bytes", n, len(p))
		}
		return nil
	}
	if strings.Contains(text, "SEND OK") {
		return nil
	}
	return errors.Errorf("send rejected response=%s", describeFailure(text))
}

// Receive collects inbound bytes for up to timeout or a full buffer and
// strips the modem's notification header. Nothing on the wire is a Timeout
// error; bytes without a recognized header is NotFound. A busy channel is
// returned as-is (channel.ErrBusy) so the caller can skip this poll instead
// of stalling.
func (s *Socket) Receive(timeout time.Duration) ([]byte, error) {
	e := s.session.Engine()
	t, err := e.Begin(s.RecvAcquire)
	if err != nil {
		return nil, err
	}
	defer t.Release()

	raw, _, err := t.Collect(nil, timeout)
	switch {
	case err == nil:
	case errors.IsTimeout(err):
	case errors.Cause(err) == ErrResponseOverflow:
		// a burst larger than the buffer still carries a payload prefix
		s.log.Debugf("socket: receive overflow, scanning %d bytes", len(raw))
	default:
		return nil, errors.Annotate(err, "receive")
	}
	if len(raw) == 0 {
		return nil, errors.Timeoutf("no data")
	}
	payload, ok := findPayload(raw)
	if !ok {
		return nil, errors.NotFoundf("receive marker in %d bytes", len(raw))
	}
	return payload, nil
}

// Close tears down link 0. Idempotent; the modem refusing the close still
// leaves the socket marked closed locally.
func (s *Socket) Close() error {
	s.mu.Lock()
	wasOpen := s.open
	s.open = false
	s.mu.Unlock()
	if !wasOpen {
		return nil
	}
	resp, err := s.session.Engine().Execute("AT+CIPCLOSE=0", s.CloseTimeout)
	s.session.emit(Event{Kind: EventSocket, Up: false, Detail: "closed"})
	if err != nil {
		s.log.Debugf("socket: close: %s", describeFailure(resp))
		return errors.Annotate(err, "cipclose")
	}
	return nil
}
