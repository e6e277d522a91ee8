package modem

import (
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/wirefin/cellws/log2"
)

// SessionConfig is what bring-up needs to know about the subscription.
type SessionConfig struct {
	APN    string
	SimPin string
}

// Session owns the modem's network state: SIM, registration, data context.
// One Session per modem; the socket layer is created from it.
type Session struct {
	Config SessionConfig

	engine *Engine
	log    *log2.Log

	mu     sync.Mutex
	status Status

	events chan Event
}

// Status is a snapshot, safe to copy.
type Status struct {
	Responsive   bool // last probe answered
	Sim          SimStatus
	Registration Registration
	Signal       int
	ContextUp    bool
	LocalAddr    string
	Operator     string
}

// Ready reports whether the data context can carry traffic: the modem
// answers, the SIM is unlocked, the network accepted us and the PDP
// context is up.
func (s Status) Ready() bool {
	return s.Responsive && s.Sim == SimReady && s.Registration.Registered() && s.ContextUp
}

func NewSession(engine *Engine, config SessionConfig, log *log2.Log) *Session {
	return &Session{
		Config: config,
		engine: engine,
		log:    log,
		status: Status{Signal: SignalUnknown},
		events: make(chan Event, 16),
	}
}

func (s *Session) Engine() *Engine { return s.engine }

// Events exposes state transitions. The channel is buffered; when the
// consumer lags, events are dropped rather than blocking bring-up.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) emit(e Event) {
	s.log.Debugf("modem: %s", e.String())
	select {
	case s.events <- e:
	default:
		s.log.Errorf("modem: event dropped %s", e.String())
	}
}

// Probe checks basic AT responsiveness and records the result in the
// status snapshot.
func (s *Session) Probe(timeout time.Duration) error {
	_, err := s.engine.Execute("AT", timeout)
	s.mu.Lock()
	s.status.Responsive = err == nil
	s.mu.Unlock()
	return errors.Annotate(err, "probe")
}

// CheckSim queries +CPIN and updates the status snapshot.
func (s *Session) CheckSim(timeout time.Duration) (SimStatus, error) {
	resp, err := s.engine.Execute("AT+CPIN?", timeout)
	if err != nil {
		return SimUnknown, errors.Annotate(err, "sim query")
	}
	st, err := parseSimStatus(resp)
	if err != nil {
		return SimUnknown, errors.Trace(err)
	}
	s.mu.Lock()
	changed := s.status.Sim != st
	s.status.Sim = st
	s.mu.Unlock()
	if changed {
		s.emit(Event{Kind: EventSim, Up: st == SimReady, Detail: st.String()})
	}
	return st, nil
}

// UnlockSim enters the configured PIN. A PUK-required SIM is not
// recoverable here and is reported as a distinct error.
func (s *Session) UnlockSim(timeout time.Duration) error {
	st, err := s.CheckSim(timeout)
	if err != nil {
		return errors.Trace(err)
	}
	switch st {
	case SimReady:
		return nil
	case SimPukRequired:
		return errors.Errorf("sim requires PUK, refusing to guess")
	}
	if s.Config.SimPin == "" {
		return errors.Errorf("sim requires PIN but none configured")
	}
	if _, err = s.engine.Execute(`AT+CPIN="`+s.Config.SimPin+`"`, timeout); err != nil {
		return errors.Annotate(err, "sim unlock")
	}
	st, err = s.CheckSim(timeout)
	if err != nil {
		return errors.Trace(err)
	}
	if st != SimReady {
		return errors.Errorf("sim not ready after unlock: %s", st.String())
	}
	return nil
}

// ConfigureContext binds PDP context 1 to the configured APN.
func (s *Session) ConfigureContext(timeout time.Duration) error {
	if s.Config.APN == "" {
		return errors.NotValidf("empty APN")
	}
	_, err := s.engine.Execute(`AT+CGDCONT=1,"IP","`+s.Config.APN+`"`, timeout)
	return errors.Annotate(err, "context config")
}

// CheckRegistration queries +CREG and updates the status snapshot.
func (s *Session) CheckRegistration(timeout time.Duration) (Registration, error) {
	resp, err := s.engine.Execute("AT+CREG?", timeout)
	if err != nil {
		return RegUnknown, errors.Annotate(err, "registration query")
	}
	reg, err := parseRegistration(resp)
	if err != nil {
		return RegUnknown, errors.Trace(err)
	}
	s.mu.Lock()
	changed := s.status.Registration != reg
	s.status.Registration = reg
	s.mu.Unlock()
	if changed {
		s.emit(Event{Kind: EventRegistration, Up: reg.Registered(), Detail: reg.String()})
	}
	return reg, nil
}

// SignalQuality queries +CSQ. SignalUnknown (99) is a valid answer.
func (s *Session) SignalQuality(timeout time.Duration) (int, error) {
	resp, err := s.engine.Execute("AT+CSQ", timeout)
	if err != nil {
		return SignalUnknown, errors.Annotate(err, "signal query")
	}
	rssi, err := parseSignalQuality(resp)
	if err != nil {
		return SignalUnknown, errors.Trace(err)
	}
	s.mu.Lock()
	s.status.Signal = rssi
	s.mu.Unlock()
	return rssi, nil
}

// ActivateContext brings PDP context 1 up. Activation may genuinely take
// seconds on a fresh registration.
func (s *Session) ActivateContext() error {
	_, err := s.engine.Execute("AT+CGACT=1,1", 10*time.Second)
	if err != nil {
		return errors.Annotate(err, "context activate")
	}
	s.mu.Lock()
	changed := !s.status.ContextUp
	s.status.ContextUp = true
	s.mu.Unlock()
	if changed {
		s.emit(Event{Kind: EventDataContext, Up: true, Detail: "activated"})
	}
	return nil
}

// DeactivateContext tears PDP context 1 down. Used for orderly shutdown;
// errors are reported but the snapshot is marked down regardless.
func (s *Session) DeactivateContext() error {
	_, err := s.engine.Execute("AT+CGACT=0,1", 10*time.Second)
	s.mu.Lock()
	changed := s.status.ContextUp
	s.status.ContextUp = false
	s.mu.Unlock()
	if changed {
		s.emit(Event{Kind: EventDataContext, Up: false, Detail: "deactivated"})
	}
	return errors.Annotate(err, "context deactivate")
}

// LocalAddress queries the address assigned to context 1.
func (s *Session) LocalAddress(timeout time.Duration) (string, error) {
	resp, err := s.engine.Execute("AT+CGPADDR=1", timeout)
	if err != nil {
		return "", errors.Annotate(err, "address query")
	}
	addr, err := parseLocalAddress(resp)
	if err != nil {
		return "", errors.Trace(err)
	}
	s.mu.Lock()
	s.status.LocalAddr = addr
	s.mu.Unlock()
	return addr, nil
}

// Operator queries the registered operator name.
func (s *Session) Operator(timeout time.Duration) (string, error) {
	resp, err := s.engine.Execute("AT+COPS?", timeout)
	if err != nil {
		return "", errors.Annotate(err, "operator query")
	}
	op, err := parseOperator(resp)
	if err != nil {
		return "", errors.Trace(err)
	}
	s.mu.Lock()
	s.status.Operator = op
	s.mu.Unlock()
	return op, nil
}

// NetworkTime queries the modem clock.
func (s *Session) NetworkTime(timeout time.Duration) (time.Time, error) {
	resp, err := s.engine.Execute("AT+CCLK?", timeout)
	if err != nil {
		return time.Time{}, errors.Annotate(err, "clock query")
	}
	t, err := parseNetworkTime(resp)
	return t, errors.Trace(err)
}

// SetNetworkTime sets the modem clock.
func (s *Session) SetNetworkTime(t time.Time, timeout time.Duration) error {
	_, err := s.engine.Execute(`AT+CCLK="`+formatNetworkTime(t)+`"`, timeout)
	return errors.Annotate(err, "clock set")
}

// describeFailure trims a raw response for one-line error context.
func describeFailure(resp string) string {
	c := compactResponse(resp)
	if len(c) > 80 {
		c = c[:80] + "..."
	}
	if strings.TrimSpace(c) == "" {
		return "(empty)"
	}
	return c
}
