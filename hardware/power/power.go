// Package power drives the modem's optional power/reset/pwrkey control
// lines over the GPIO character device. Lines that are not configured are
// silent no-ops, so boards without power control use the same code path.
package power

import (
	"strconv"
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"

	"github.com/wirefin/cellws/log2"
)

type Pinmap struct {
	Chip   string `hcl:"chip"`
	Power  string `hcl:"power"`
	Reset  string `hcl:"reset"`
	Pwrkey string `hcl:"pwrkey"`
}

func (pm Pinmap) empty() bool { return pm.Power == "" && pm.Reset == "" && pm.Pwrkey == "" }

type Board struct {
	chip   gpio.Chiper
	lines  gpio.Lineser
	power  gpio.LineSetFunc
	reset  gpio.LineSetFunc
	pwrkey gpio.LineSetFunc
	log    *log2.Log
}

func Open(pm Pinmap, log *log2.Log) (*Board, error) {
	b := &Board{log: log}
	if pm.empty() {
		return b, nil
	}

	var err error
	b.chip, err = gpio.Open(pm.Chip, "cellws")
	if err != nil {
		return nil, errors.Annotatef(err, "gpio chip=%s", pm.Chip)
	}

	offsets := make([]uint32, 0, 3)
	add := func(s string) (uint32, error) {
		if s == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, errors.NotValidf("gpio pin=%s", s)
		}
		offsets = append(offsets, uint32(n))
		return uint32(n), nil
	}
	nPower, err := add(pm.Power)
	if err != nil {
		return nil, err
	}
	nReset, err := add(pm.Reset)
	if err != nil {
		return nil, err
	}
	nPwrkey, err := add(pm.Pwrkey)
	if err != nil {
		return nil, err
	}

	b.lines, err = b.chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "cellws", offsets...)
	if err != nil {
		b.chip.Close()
		return nil, errors.Annotate(err, "gpio lines")
	}
	if pm.Power != "" {
		b.power = b.lines.SetFunc(nPower)
	}
	if pm.Reset != "" {
		b.reset = b.lines.SetFunc(nReset)
	}
	if pm.Pwrkey != "" {
		b.pwrkey = b.lines.SetFunc(nPwrkey)
	}
	return b, nil
}

func (b *Board) set(f gpio.LineSetFunc, value byte) error {
	if f == nil {
		return nil
	}
	f(value)
	return errors.Trace(b.lines.Flush())
}

// PowerOn raises the power line and holds pwrkey high through the modem's
// boot sequence.
func (b *Board) PowerOn() error {
	if err := b.set(b.power, 1); err != nil {
		return err
	}
	if err := b.set(b.pwrkey, 1); err != nil {
		return err
	}
	if b.power != nil || b.pwrkey != nil {
		time.Sleep(1 * time.Second)
		b.log.Debugf("power: modem powered on")
	}
	return nil
}

func (b *Board) PowerOff() error {
	if err := b.set(b.power, 0); err != nil {
		return err
	}
	if b.power != nil {
		time.Sleep(1 * time.Second)
		b.log.Debugf("power: modem powered off")
	}
	return nil
}

// Reset pulses the reset line low. Active-low per the modem datasheet.
func (b *Board) Reset() error {
	if b.reset == nil {
		return nil
	}
	if err := b.set(b.reset, 0); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := b.set(b.reset, 1); err != nil {
		return err
	}
	time.Sleep(1 * time.Second)
	b.log.Debugf("power: modem reset")
	return nil
}

func (b *Board) Close() error {
	if b.lines != nil {
		b.lines.Close()
	}
	if b.chip != nil {
		return b.chip.Close()
	}
	return nil
}
