// Command at-cli is a terminal for poking the modem by hand. Useful when
// the daemon misbehaves and you want the modem's side of the story.
package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"

	"github.com/wirefin/cellws/hardware/channel"
	"github.com/wirefin/cellws/hardware/modem"
	"github.com/wirefin/cellws/helpers/cli"
	"github.com/wirefin/cellws/log2"
)

const usage = `commands:
- AT...       send command, print response
- s<N>        pause N milliseconds
- log=yes|no  toggle wire logging
- help        show this
`

var logger = log2.NewStderr(log2.LInfo)

func main() {
	flagDevice := flag.String("device", "/dev/ttyUSB2", "serial device path")
	flagBaud := flag.Int("baud", 115200, "serial baud rate")
	flag.Parse()
	logger.SetFlags(log2.LInteractiveFlags)

	conn, err := channel.OpenSerial(*flagDevice, *flagBaud, logger)
	if err != nil {
		logger.Fatal(errors.ErrorStack(err))
	}
	defer conn.Close()
	engine := modem.NewEngine(conn, logger)

	cli.MainLoop("at-cli", newExecutor(engine), completer)
}

func newExecutor(engine *modem.Engine) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case line == "help":
			fmt.Print(usage)
		case line == "log=yes":
			logger.SetLevel(log2.LDebug)
		case line == "log=no":
			logger.SetLevel(log2.LInfo)
		case line[0] == 's':
			if ms, err := strconv.Atoi(line[1:]); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			} else {
				logger.Errorf("invalid pause: %s", line)
			}
		default:
			resp, err := engine.Execute(line, 10*time.Second)
			if err != nil {
				logger.Errorf("%s", errors.ErrorStack(err))
			}
			fmt.Println(strings.TrimSpace(resp))
		}
	}
}

func completer(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "AT", Description: "probe"},
		{Text: "AT+CPIN?", Description: "sim status"},
		{Text: "AT+CSQ", Description: "signal quality"},
		{Text: "AT+CREG?", Description: "network registration"},
		{Text: "AT+COPS?", Description: "operator"},
		{Text: "AT+CGPADDR=1", Description: "local address"},
		{Text: "AT+CCLK?", Description: "network time"},
		{Text: "AT+NETOPEN", Description: "open network stack"},
		{Text: "AT+CIPOPEN?", Description: "socket status"},
		{Text: "AT+CIPCLOSE=0", Description: "close socket 0"},
		{Text: "log=yes", Description: "wire logging on"},
		{Text: "log=no", Description: "wire logging off"},
		{Text: "help", Description: ""},
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}
