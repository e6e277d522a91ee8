package modem

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirefin/cellws/helpers"
)

func TestParseSimStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		expect SimStatus
		ok     bool
	}{
		{"ready", "\r\n+CPIN: READY\r\n\r\nOK\r\n", SimReady, true},
		{"pin", "\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n", SimPinRequired, true},
		{"puk", "\r\n+CPIN: SIM PUK\r\n\r\nOK\r\n", SimPukRequired, true},
		{"garbage", "\r\nOK\r\n", SimUnknown, false},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			st, err := parseSimStatus(c.input)
			if c.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
			assert.Equal(t, c.expect, st)
		})
	}
}

func TestParseRegistration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		expect Registration
		ok     bool
	}{
		{"none", "\r\n+CREG: 0,0\r\n\r\nOK\r\n", RegNotRegistered, true},
		{"home", "\r\n+CREG: 0,1\r\n\r\nOK\r\n", RegHome, true},
		{"searching", "\r\n+CREG: 0,2\r\n\r\nOK\r\n", RegSearching, true},
		{"denied", "\r\n+CREG: 0,3\r\n\r\nOK\r\n", RegDenied, true},
		{"roaming", "\r\n+CREG: 0,5\r\n\r\nOK\r\n", RegRoaming, true},
		{"future-code", "\r\n+CREG: 0,9\r\n\r\nOK\r\n", RegUnknown, true},
		{"missing", "\r\nOK\r\n", RegUnknown, false},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			reg, err := parseRegistration(c.input)
			if c.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
			assert.Equal(t, c.expect, reg)
		})
	}
}

func TestRegistrationRegistered(t *testing.T) {
	t.Parallel()
	assert.True(t, RegHome.Registered())
	assert.True(t, RegRoaming.Registered())
	assert.False(t, RegSearching.Registered())
	assert.False(t, RegDenied.Registered())
	assert.False(t, RegNotRegistered.Registered())
}

func TestParseSignalQuality(t *testing.T) {
	t.Parallel()
	rssi, err := parseSignalQuality("\r\n+CSQ: 23,99\r\n\r\nOK\r\n")
	require.NoError(t, err)
	assert.Equal(t, 23, rssi)

	rssi, err = parseSignalQuality("\r\n+CSQ: 99,99\r\n\r\nOK\r\n")
	require.NoError(t, err)
	assert.Equal(t, SignalUnknown, rssi)

	_, err = parseSignalQuality("\r\nOK\r\n")
	assert.True(t, errors.IsNotFound(err))
}

func TestParseLocalAddress(t *testing.T) {
	t.Parallel()
	addr, err := parseLocalAddress("\r\n+CGPADDR: 1,10.64.23.7\r\n\r\nOK\r\n")
	require.NoError(t, err)
	assert.Equal(t, "10.64.23.7", addr)

	addr, err = parseLocalAddress("\r\n+CGPADDR: 1,\"10.0.0.2\"\r\n\r\nOK\r\n")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", addr)

	_, err = parseLocalAddress("\r\n+CGPADDR: 1,\r\nOK\r\n")
	assert.Error(t, err)
}

func TestParseOperator(t *testing.T) {
	t.Parallel()
	op, err := parseOperator("\r\n+COPS: 0,0,\"Friendly Telecom\",7\r\n\r\nOK\r\n")
	require.NoError(t, err)
	assert.Equal(t, "Friendly Telecom", op)

	_, err = parseOperator("\r\n+COPS: 0\r\nOK\r\n")
	assert.Error(t, err)
}

func TestParseNetworkTime(t *testing.T) {
	t.Parallel()
	got, err := parseNetworkTime("\r\n+CCLK: \"26/08/24,15:04:05+08\"\r\n\r\nOK\r\n")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.August, got.Month())
	assert.Equal(t, 24, got.Day())
	assert.Equal(t, 15, got.Hour())
	_, offset := got.Zone()
	assert.Equal(t, 8*15*60, offset)

	// negative quarter-hour offset
	got, err = parseNetworkTime("+CCLK: \"24/01/02,03:04:05-20\"")
	require.NoError(t, err)
	_, offset = got.Zone()
	assert.Equal(t, -20*15*60, offset)
}

func TestNetworkTimeRoundTrip(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("", 2*3600)
	want := time.Date(2026, 8, 26, 10, 20, 30, 0, loc)
	s := formatNetworkTime(want)
	assert.Equal(t, "26/08/26,10:20:30+08", s)
	got, err := parseNetworkTime("+CCLK: \"" + s + "\"")
	require.NoError(t, err)
	assert.True(t, want.Equal(got), "want=%s got=%s", want, got)
}

func TestParseSendReport(t *testing.T) {
	t.Parallel()
	n, err := parseSendReport("\r\n+CIPSEND: 0,40,40\r\n\r\nOK\r\n")
	require.NoError(t, err)
	assert.Equal(t, 40, n)

	n, err = parseSendReport("\r\n+CIPSEND: 0,40,12\r\n")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	_, err = parseSendReport("\r\nSEND OK\r\n")
	assert.True(t, errors.IsNotFound(err))
}

func TestFindPayload(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		expect string
		ok     bool
	}{
		{"ipd", "\r\n+IPD12:hello world!", "hello world!", true},
		{"ipd-crlf", "RECV FROM:1.2.3.4:80\r\n+IPD5:\r\nhello", "hello", true},
		{"recv-from-only", "RECV FROM:1.2.3.4:80\r\npayload here", "payload here", true},
		{"binary-after-header", "+IPD3:\x81\x02ab", "\x81\x02ab", true},
		{"no-marker", "\r\nOK\r\n", "", false},
		{"ipd-empty", "+IPD0:", "", false},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got, ok := findPayload([]byte(c.input))
			assert.Equal(t, c.ok, ok)
			if c.ok {
				assert.Equal(t, c.expect, string(got))
			}
		})
	}
}
