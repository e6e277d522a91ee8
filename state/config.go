package state

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/wirefin/cellws/hardware/channel"
	"github.com/wirefin/cellws/hardware/modem"
	"github.com/wirefin/cellws/hardware/power"
	"github.com/wirefin/cellws/helpers"
	"github.com/wirefin/cellws/log2"
	"github.com/wirefin/cellws/uplink"
	"github.com/wirefin/cellws/ws"
)

type Config struct {
	g Global

	Hardware struct {
		Modem struct {
			UartDevice   string `hcl:"uart_device"`
			UartBaudrate int    `hcl:"uart_baudrate"`
			APN          string `hcl:"apn"`
			SimPin       string `hcl:"sim_pin"`
			LogEnable    bool   `hcl:"log_enable"`
		}
		GPIO power.Pinmap `hcl:"gpio"`
	}
	WebSocket struct {
		Host              string `hcl:"host"`
		Port              int    `hcl:"port"`
		Path              string `hcl:"path"`
		PingInterval      int    `hcl:"ping_interval"`      // seconds
		ReconnectInterval int    `hcl:"reconnect_interval"` // seconds
		ResponseTimeout   int    `hcl:"response_timeout"`   // seconds
		ProcessInterval   int    `hcl:"process_interval"`   // milliseconds
		VerifyAccept      bool   `hcl:"verify_accept"`
	}
	Uplink struct {
		Enable         bool   `hcl:"enable"`
		PersistPath    string `hcl:"persist_path"`
		StatusInterval int    `hcl:"status_interval"` // seconds
		SensorInterval int    `hcl:"sensor_interval"` // seconds
	}
}

// Global is lazily constructed runtime state behind the static config.
type Global struct {
	Log *log2.Log

	Hardware struct {
		Conn    channel.Conn
		Engine  *modem.Engine
		Session *modem.Session
		Board   *power.Board
	}
}

func (c *Config) Global() *Global { return &c.g }

// Session builds the channel, engine and session on first use.
func (c *Config) Session() (*modem.Session, error) {
	if c.g.Hardware.Session != nil {
		return c.g.Hardware.Session, nil
	}
	if c.Hardware.Modem.UartDevice == "" {
		return nil, errors.NotValidf("config: empty hardware.modem.uart_device")
	}
	conn, err := channel.OpenSerial(c.Hardware.Modem.UartDevice, c.Hardware.Modem.UartBaudrate, c.g.Log)
	if err != nil {
		return nil, errors.Annotatef(err, "config: modem=%+v", c.Hardware.Modem)
	}
	c.g.Hardware.Conn = conn
	c.g.Hardware.Engine = modem.NewEngine(conn, c.g.Log)
	c.g.Hardware.Session = modem.NewSession(c.g.Hardware.Engine, modem.SessionConfig{
		APN:    c.Hardware.Modem.APN,
		SimPin: c.Hardware.Modem.SimPin,
	}, c.g.Log)
	return c.g.Hardware.Session, nil
}

// Board opens the GPIO control lines on first use. An empty gpio block is a
// valid no-op board.
func (c *Config) Board() (*power.Board, error) {
	if c.g.Hardware.Board != nil {
		return c.g.Hardware.Board, nil
	}
	b, err := power.Open(c.Hardware.GPIO, c.g.Log)
	if err != nil {
		return nil, errors.Annotatef(err, "config: gpio=%+v", c.Hardware.GPIO)
	}
	c.g.Hardware.Board = b
	return b, nil
}

func (c *Config) WebSocketConfig() ws.Config {
	return ws.Config{
		Host:              c.WebSocket.Host,
		Port:              uint16(c.WebSocket.Port),
		Path:              c.WebSocket.Path,
		PingInterval:      helpers.IntSecondDefault(c.WebSocket.PingInterval, 30*time.Second),
		ReconnectInterval: helpers.IntSecondDefault(c.WebSocket.ReconnectInterval, 5*time.Second),
		ResponseTimeout:   helpers.IntSecondDefault(c.WebSocket.ResponseTimeout, 10*time.Second),
		VerifyAccept:      c.WebSocket.VerifyAccept,
	}
}

func (c *Config) UplinkConfig() uplink.Config {
	return uplink.Config{
		PersistPath:    c.Uplink.PersistPath,
		StatusInterval: helpers.IntSecondDefault(c.Uplink.StatusInterval, 60*time.Second),
		SensorInterval: helpers.IntSecondDefault(c.Uplink.SensorInterval, 15*time.Second),
	}
}

func (c *Config) Init(log *log2.Log) error {
	c.g.Log = log
	if c.WebSocket.Host == "" {
		return errors.NotValidf("config: empty websocket.host")
	}
	if c.WebSocket.Port <= 0 || c.WebSocket.Port > 0xffff {
		return errors.NotValidf("config: websocket.port=%d", c.WebSocket.Port)
	}
	if c.Uplink.Enable && c.Uplink.PersistPath == "" {
		return errors.NotValidf("config: uplink.enable requires uplink.persist_path")
	}
	return nil
}

func ReadConfig(r io.Reader, log *log2.Log) (*Config, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	c := new(Config)
	if err = hcl.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err = c.Init(log); err != nil {
		return nil, err
	}
	return c, nil
}

func ReadConfigFile(path string, log *log2.Log) (*Config, error) {
	if pathAbs, err := filepath.Abs(path); err != nil {
		log.Errorf("filepath.Abs(%s) error=%v", path, err)
	} else {
		path = pathAbs
	}
	log.Debugf("reading config file %s", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadConfig(f, log)
}

func MustReadConfig(r io.Reader, log *log2.Log) *Config {
	c, err := ReadConfig(r, log)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func MustReadConfigFile(path string, log *log2.Log) *Config {
	c, err := ReadConfigFile(path, log)
	if err != nil {
		log.Fatal(err)
	}
	return c
}
