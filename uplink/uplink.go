// Package uplink turns local telemetry into WebSocket text messages with a
// persistent store-and-forward queue: messages survive restarts and link
// outages, delivery order is preserved.
package uplink

import (
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"

	"github.com/wirefin/cellws/hardware/modem"
	"github.com/wirefin/cellws/helpers"
	"github.com/wirefin/cellws/log2"
	"github.com/wirefin/cellws/ws"
)

type Config struct {
	PersistPath    string
	StatusInterval time.Duration
	SensorInterval time.Duration
}

// Uplink owns the outbound queue and the telemetry composers. It is the
// client's Sink: inbound frames and connection transitions land in Handle.
type Uplink struct {
	config  Config
	session *modem.Session
	log     *log2.Log

	q     *spq.Queue
	alive *alive.Alive
	start time.Time

	mu     sync.Mutex
	client *ws.Client
	rnd    *rand.Rand
	sensor float64

	retry helpers.Backoff
}

func NewUplink(config Config, session *modem.Session, log *log2.Log) (*Uplink, error) {
	q, err := spq.Open(config.PersistPath)
	if err != nil {
		return nil, errors.Annotatef(err, "uplink queue path=%s", config.PersistPath)
	}
	u := &Uplink{
		config:  config,
		session: session,
		log:     log,
		q:       q,
		alive:   alive.NewAlive(),
		start:   time.Now(),
		rnd:     helpers.RandUnix(),
		sensor:  20.0,
		retry:   helpers.Backoff{Min: 1 * time.Second, Max: 30 * time.Second, K: 2},
	}
	return u, nil
}

// Attach binds the client and starts the workers. Separate from the
// constructor because the client needs the Uplink as its Sink first.
func (u *Uplink) Attach(client *ws.Client) {
	u.mu.Lock()
	u.client = client
	u.mu.Unlock()

	if u.alive.Add(1) {
		go u.qworker()
	}
	if u.config.StatusInterval > 0 && u.alive.Add(1) {
		go u.tickWorker(u.config.StatusInterval, u.pushStatus)
	}
	if u.config.SensorInterval > 0 && u.alive.Add(1) {
		go u.tickWorker(u.config.SensorInterval, u.pushSensor)
	}
}

// Handle is the ws.Sink implementation.
func (u *Uplink) Handle(e ws.Event) {
	switch e.Kind {
	case ws.EventConnected:
		u.log.Infof("uplink: link up")
	case ws.EventDisconnected, ws.EventClosed:
		u.log.Infof("uplink: link down %s", e.String())
	case ws.EventData:
		u.log.Infof("uplink: inbound %s %q", e.Opcode.String(), e.Data)
		u.echo(e)
	case ws.EventError:
		u.log.Errorf("uplink: %v", e.Err)
	}
}

const echoPrefix = "echo: "

// echo mirrors inbound text back through the queue. Messages that already
// carry the prefix are not echoed again, a chatty server must not loop.
func (u *Uplink) echo(e ws.Event) {
	if e.Opcode != ws.OpText {
		return
	}
	data := string(e.Data)
	if strings.HasPrefix(data, echoPrefix) {
		return
	}
	if err := u.Enqueue([]byte(echoPrefix + data)); err != nil {
		u.log.Errorf("uplink: %v", err)
	}
}

// Enqueue stores one message for delivery.
func (u *Uplink) Enqueue(msg []byte) error {
	return errors.Annotate(u.q.Push(msg), "uplink enqueue")
}

// Close stops the workers and the queue. Undelivered messages stay on disk.
func (u *Uplink) Close() error {
	u.alive.Stop()
	err := u.q.Close()
	u.alive.Wait()
	return errors.Annotate(err, "uplink close")
}

// qworker delivers queued messages in order. Peek blocks until a message
// exists; failed sends go back to the queue and the worker backs off so a
// dead link does not spin.
func (u *Uplink) qworker() {
	defer u.alive.Done()
	for {
		box, err := u.q.Peek()
		if err != nil {
			if err != spq.ErrClosed {
				u.log.Errorf("uplink: queue peek: %v", err)
			}
			return
		}
		if err = u.deliver(box.Bytes()); err != nil {
			u.log.Debugf("uplink: deliver: %v", err)
			if err = u.q.DeletePush(box); err != nil {
				if err != spq.ErrClosed {
					u.log.Errorf("uplink: queue requeue: %v", err)
				}
				return
			}
			select {
			case <-time.After(u.retry.DelayAfter(false)):
			case <-u.alive.StopChan():
				return
			}
			continue
		}
		u.retry.Reset()
		if err = u.q.Delete(box); err != nil {
			if err != spq.ErrClosed {
				u.log.Errorf("uplink: queue delete: %v", err)
			}
			return
		}
	}
}

func (u *Uplink) deliver(msg []byte) error {
	u.mu.Lock()
	client := u.client
	u.mu.Unlock()
	if client == nil || client.State() != ws.StateConnected {
		return errors.Errorf("link down")
	}
	return client.SendText(string(msg))
}

func (u *Uplink) tickWorker(interval time.Duration, compose func() ([]byte, error)) {
	defer u.alive.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			msg, err := compose()
			if err != nil {
				u.log.Errorf("uplink: compose: %v", err)
				continue
			}
			if err = u.Enqueue(msg); err != nil {
				u.log.Errorf("uplink: %v", err)
			}
		case <-u.alive.StopChan():
			return
		}
	}
}

type statusMessage struct {
	Type         string `json:"type"`
	Timestamp    int64  `json:"ts"`
	UptimeSec    int64  `json:"uptime_s"`
	Signal       int    `json:"signal"`
	Registration string `json:"registration"`
	Operator     string `json:"operator,omitempty"`
	LocalAddr    string `json:"local_addr,omitempty"`
}

func (u *Uplink) pushStatus() ([]byte, error) {
	st := u.session.Status()
	m := statusMessage{
		Type:         "status",
		Timestamp:    time.Now().Unix(),
		UptimeSec:    int64(time.Since(u.start) / time.Second),
		Signal:       st.Signal,
		Registration: st.Registration.String(),
		Operator:     st.Operator,
		LocalAddr:    st.LocalAddr,
	}
	b, err := json.Marshal(&m)
	return b, errors.Annotate(err, "status")
}

type sensorMessage struct {
	Type      string  `json:"type"`
	Timestamp int64   `json:"ts"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
}

// pushSensor emits a temperature random walk. Placeholder source: the
// boards this runs on have no sensor bus wired yet.
func (u *Uplink) pushSensor() ([]byte, error) {
	u.mu.Lock()
	u.sensor += (u.rnd.Float64() - 0.5) * 0.4
	if u.sensor < -10 {
		u.sensor = -10
	} else if u.sensor > 50 {
		u.sensor = 50
	}
	value := u.sensor
	u.mu.Unlock()

	m := sensorMessage{
		Type:      "sensor",
		Timestamp: time.Now().Unix(),
		Name:      "temperature",
		Value:     value,
	}
	b, err := json.Marshal(&m)
	return b, errors.Annotate(err, "sensor")
}
