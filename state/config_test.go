package state

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirefin/cellws/log2"
)

const testConfig = `
hardware {
  modem {
    uart_device = "/dev/ttyUSB2"
    uart_baudrate = 115200
    apn = "test.apn"
    sim_pin = "1234"
  }
  gpio {
    chip = "/dev/gpiochip0"
    power = "17"
  }
}
websocket {
  host = "srv.example"
  port = 8080
  path = "/ws"
  ping_interval = 7
  process_interval = 250
  verify_accept = true
}
uplink {
  enable = true
  persist_path = "/tmp/q"
  status_interval = 120
}
`

func TestReadConfig(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	c, err := ReadConfig(strings.NewReader(testConfig), log)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB2", c.Hardware.Modem.UartDevice)
	assert.Equal(t, 115200, c.Hardware.Modem.UartBaudrate)
	assert.Equal(t, "test.apn", c.Hardware.Modem.APN)
	assert.Equal(t, "1234", c.Hardware.Modem.SimPin)
	assert.Equal(t, "/dev/gpiochip0", c.Hardware.GPIO.Chip)
	assert.Equal(t, "17", c.Hardware.GPIO.Power)
	assert.Equal(t, "srv.example", c.WebSocket.Host)
	assert.Equal(t, 8080, c.WebSocket.Port)
	assert.Equal(t, 250, c.WebSocket.ProcessInterval)
	assert.True(t, c.Uplink.Enable)

	wcfg := c.WebSocketConfig()
	assert.Equal(t, uint16(8080), wcfg.Port)
	assert.Equal(t, 7*time.Second, wcfg.PingInterval)
	// omitted values fall back to defaults
	assert.Equal(t, 5*time.Second, wcfg.ReconnectInterval)
	assert.Equal(t, 10*time.Second, wcfg.ResponseTimeout)
	assert.True(t, wcfg.VerifyAccept)

	ucfg := c.UplinkConfig()
	assert.Equal(t, 120*time.Second, ucfg.StatusInterval)
	assert.Equal(t, 15*time.Second, ucfg.SensorInterval)
}

func TestReadConfigInvalid(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	cases := []struct {
		name  string
		input string
	}{
		{"no-host", `websocket { port = 80 }`},
		{"bad-port", `websocket { host = "h" port = 99999 }`},
		{"uplink-no-path", `websocket { host = "h" port = 80 } uplink { enable = true }`},
		{"not-hcl", `{{{{`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := ReadConfig(strings.NewReader(c.input), log)
			assert.Error(t, err)
		})
	}
}
