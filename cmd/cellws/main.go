// Command cellws bridges local telemetry to a WebSocket server through a
// cellular modem on a serial port.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"

	"github.com/wirefin/cellws/hardware/modem"
	"github.com/wirefin/cellws/helpers"
	"github.com/wirefin/cellws/log2"
	"github.com/wirefin/cellws/state"
	"github.com/wirefin/cellws/uplink"
	"github.com/wirefin/cellws/ws"
)

const (
	probeRetries    = 30
	probeDelay      = 2 * time.Second
	simRetries      = 10
	registerRetries = 30
	registerDelay   = 2 * time.Second
	contextSettle   = 3 * time.Second
	processInterval = 100 * time.Millisecond
	statusLogEach   = 60 * time.Second
	commandTimeout  = 5 * time.Second
)

func main() {
	flagConfig := flag.String("config", "cellws.hcl", "")
	flagDebug := flag.Bool("debug", false, "")
	flag.Parse()

	level := log2.Level(log2.LInfo)
	if *flagDebug {
		level = log2.LDebug
	}
	logger := log2.NewStderr(level)
	if sdnotify("start") {
		// under systemd, journal adds timestamps
		logger.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		logger.SetFlags(log2.LInteractiveFlags)
	}
	logger.Info("hello")

	config := state.MustReadConfigFile(*flagConfig, logger)

	board, err := config.Board()
	if err != nil {
		logger.Fatal(errors.ErrorStack(err))
	}
	if err = board.PowerOn(); err != nil {
		logger.Fatal(errors.ErrorStack(err))
	}

	session, err := config.Session()
	if err != nil {
		logger.Fatal(errors.ErrorStack(err))
	}
	go drainEvents(session, logger)

	if err = bringUp(session, logger); err != nil {
		logger.Fatal(errors.ErrorStack(err))
	}

	sock := modem.NewSocket(session, config.WebSocket.Host, uint16(config.WebSocket.Port), nil, logger)

	var up *uplink.Uplink
	var sink ws.Sink = ws.SinkFunc(func(e ws.Event) { logger.Infof("ws %s", e.String()) })
	if config.Uplink.Enable {
		if up, err = uplink.NewUplink(config.UplinkConfig(), session, logger); err != nil {
			logger.Fatal(errors.ErrorStack(err))
		}
		sink = up
	}
	wsConfig := config.WebSocketConfig()
	client := ws.NewClient(sock, wsConfig, sink, logger)
	if up != nil {
		up.Attach(client)
	}

	if err = client.Connect(); err != nil {
		// a failed connect parks the client in Error; the retry ticker
		// below issues the explicit reconnects
		logger.Errorf("initial connect: %v", err)
	}
	sdnotify(daemon.SdNotifyReady)
	logger.Info("init complete, running")

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	process := time.NewTicker(helpers.IntMillisecondDefault(config.WebSocket.ProcessInterval, processInterval))
	defer process.Stop()
	statusLog := time.NewTicker(statusLogEach)
	defer statusLog.Stop()
	connectRetry := time.NewTicker(wsConfig.ReconnectInterval)
	defer connectRetry.Stop()

	for running := true; running; {
		select {
		case <-process.C:
			if err = client.Process(); err != nil {
				logger.Debugf("process: %v", err)
			}
		case <-connectRetry.C:
			if client.State() == ws.StateError {
				if err = client.Connect(); err != nil {
					logger.Debugf("reconnect: %v", err)
				}
			}
		case <-statusLog.C:
			logStatus(session, client, logger)
		case sig := <-sigch:
			logger.Infof("signal %v, shutting down", sig)
			running = false
		}
	}

	errs := make([]error, 0, 4)
	errs = append(errs, client.Close())
	if up != nil {
		errs = append(errs, up.Close())
	}
	errs = append(errs, session.DeactivateContext(), board.PowerOff())
	if err = helpers.FoldErrors(errs); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("bye")
}

// bringUp walks the modem from cold boot to an active data context. Each
// stage retries on its own budget; registration denial is not retryable.
func bringUp(session *modem.Session, logger *log2.Log) error {
	clock := helpers.RealClock{}
	var err error

	ok := helpers.PollUntil(clock, probeDelay, probeRetries*probeDelay, func() bool {
		err = session.Probe(commandTimeout)
		return err == nil
	})
	if !ok {
		return errors.Annotate(err, "modem not responding")
	}
	logger.Info("modem responding")

	ok = helpers.PollUntil(clock, time.Second, simRetries*time.Second, func() bool {
		err = session.UnlockSim(commandTimeout)
		return err == nil
	})
	if !ok {
		return errors.Annotate(err, "sim not ready")
	}
	logger.Info("sim ready")

	if err = session.ConfigureContext(commandTimeout); err != nil {
		return errors.Trace(err)
	}

	var reg modem.Registration
	denied := false
	ok = helpers.PollUntil(clock, registerDelay, registerRetries*registerDelay, func() bool {
		reg, err = session.CheckRegistration(commandTimeout)
		if reg == modem.RegDenied {
			denied = true
			return true // stop polling, not retryable
		}
		return err == nil && reg.Registered()
	})
	if denied {
		return errors.Errorf("network registration denied")
	}
	if !ok {
		return errors.Errorf("registration gave up at %s err=%v", reg.String(), err)
	}
	logger.Infof("registered: %s", reg.String())

	if err = session.ActivateContext(); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(contextSettle)

	// informational, failures do not block bring-up
	if addr, err := session.LocalAddress(commandTimeout); err == nil {
		logger.Infof("address: %s", addr)
	}
	if op, err := session.Operator(commandTimeout); err == nil {
		logger.Infof("operator: %s", op)
	}
	if t, err := session.NetworkTime(commandTimeout); err == nil {
		logger.Infof("network time: %s", t.Format(time.RFC3339))
	}
	return nil
}

func drainEvents(session *modem.Session, logger *log2.Log) {
	for e := range session.Events() {
		logger.Infof("modem %s", e.String())
	}
}

func logStatus(session *modem.Session, client *ws.Client, logger *log2.Log) {
	if rssi, err := session.SignalQuality(commandTimeout); err == nil {
		logger.Infof("status: ws=%s signal=%d", client.State().String(), rssi)
		return
	}
	logger.Infof("status: ws=%s", client.State().String())
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
