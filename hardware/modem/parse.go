package modem

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

type SimStatus uint8

const (
	SimUnknown SimStatus = iota
	SimReady
	SimPinRequired
	SimPukRequired
)

func (s SimStatus) String() string {
	switch s {
	case SimReady:
		return "ready"
	case SimPinRequired:
		return "pin-required"
	case SimPukRequired:
		return "puk-required"
	}
	return "unknown"
}

type Registration uint8

const (
	RegUnknown Registration = iota
	RegNotRegistered
	RegHome
	RegSearching
	RegDenied
	RegRoaming
)

func (r Registration) String() string {
	switch r {
	case RegNotRegistered:
		return "not-registered"
	case RegHome:
		return "home"
	case RegSearching:
		return "searching"
	case RegDenied:
		return "denied"
	case RegRoaming:
		return "roaming"
	}
	return "unknown"
}

// Registered reports the two states in which traffic may flow.
func (r Registration) Registered() bool { return r == RegHome || r == RegRoaming }

// SignalUnknown is the RSSI value the modem reports when it cannot measure.
const SignalUnknown = 99

func parseSimStatus(resp string) (SimStatus, error) {
	switch {
	case strings.Contains(resp, "+CPIN: READY"):
		return SimReady, nil
	case strings.Contains(resp, "+CPIN: SIM PIN"):
		return SimPinRequired, nil
	case strings.Contains(resp, "+CPIN: SIM PUK"):
		return SimPukRequired, nil
	}
	return SimUnknown, errors.NotFoundf("+CPIN in %q", compactResponse(resp))
}

// parseRegistration extracts <stat> from "+CREG: <n>,<stat>".
func parseRegistration(resp string) (Registration, error) {
	i := strings.Index(resp, "+CREG:")
	if i < 0 {
		return RegUnknown, errors.NotFoundf("+CREG in %q", compactResponse(resp))
	}
	rest := resp[i+len("+CREG:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return RegUnknown, errors.NotValidf("registration response %q", compactResponse(resp))
	}
	stat := 0
	if _, err := fmt.Sscanf(rest[comma+1:], "%d", &stat); err != nil {
		return RegUnknown, errors.NotValidf("registration stat in %q", compactResponse(resp))
	}
	switch stat {
	case 0:
		return RegNotRegistered, nil
	case 1:
		return RegHome, nil
	case 2:
		return RegSearching, nil
	case 3:
		return RegDenied, nil
	case 5:
		return RegRoaming, nil
	}
	return RegUnknown, nil
}

// parseSignalQuality extracts <rssi> from "+CSQ: <rssi>,<ber>".
// 99 means not measurable and is returned as-is.
func parseSignalQuality(resp string) (int, error) {
	i := strings.Index(resp, "+CSQ:")
	if i < 0 {
		return SignalUnknown, errors.NotFoundf("+CSQ in %q", compactResponse(resp))
	}
	rssi := 0
	if _, err := fmt.Sscanf(resp[i+len("+CSQ:"):], "%d", &rssi); err != nil {
		return SignalUnknown, errors.NotValidf("signal quality in %q", compactResponse(resp))
	}
	return rssi, nil
}

// parseLocalAddress extracts the IP from "+CGPADDR: 1,<addr>"; the modem may
// or may not quote the address.
func parseLocalAddress(resp string) (string, error) {
	i := strings.Index(resp, "+CGPADDR:")
	if i < 0 {
		return "", errors.NotFoundf("+CGPADDR in %q", compactResponse(resp))
	}
	rest := resp[i+len("+CGPADDR:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", errors.NotValidf("address response %q", compactResponse(resp))
	}
	addr := rest[comma+1:]
	if end := strings.IndexAny(addr, "\r\n"); end >= 0 {
		addr = addr[:end]
	}
	addr = strings.Trim(strings.TrimSpace(addr), `"`)
	if addr == "" {
		return "", errors.NotValidf("empty address in %q", compactResponse(resp))
	}
	return addr, nil
}

// parseOperator extracts the quoted operator name from "+COPS: 0,0,"name",7".
func parseOperator(resp string) (string, error) {
	i := strings.Index(resp, "+COPS:")
	if i < 0 {
		return "", errors.NotFoundf("+COPS in %q", compactResponse(resp))
	}
	rest := resp[i:]
	open := strings.IndexByte(rest, '"')
	if open < 0 {
		return "", errors.NotFoundf("operator name in %q", compactResponse(resp))
	}
	rest = rest[open+1:]
	close := strings.IndexByte(rest, '"')
	if close < 0 {
		return "", errors.NotValidf("operator response %q", compactResponse(resp))
	}
	return rest[:close], nil
}

// parseNetworkTime decodes `+CCLK: "yy/MM/dd,hh:mm:ss±zz"` where zz is the
// timezone offset in quarters of an hour.
func parseNetworkTime(resp string) (time.Time, error) {
	i := strings.Index(resp, "+CCLK:")
	if i < 0 {
		return time.Time{}, errors.NotFoundf("+CCLK in %q", compactResponse(resp))
	}
	rest := resp[i:]
	open := strings.IndexByte(rest, '"')
	if open < 0 {
		return time.Time{}, errors.NotValidf("clock response %q", compactResponse(resp))
	}
	rest = rest[open+1:]
	close := strings.IndexByte(rest, '"')
	if close < 0 {
		return time.Time{}, errors.NotValidf("clock response %q", compactResponse(resp))
	}
	s := rest[:close]

	var yy, mo, dd, hh, mi, ss int
	if _, err := fmt.Sscanf(s, "%d/%d/%d,%d:%d:%d", &yy, &mo, &dd, &hh, &mi, &ss); err != nil {
		return time.Time{}, errors.NotValidf("clock value %q", s)
	}
	quarters := 0
	if j := strings.LastIndexAny(s, "+-"); j > 0 {
		q, err := strconv.Atoi(s[j+1:])
		if err != nil {
			return time.Time{}, errors.NotValidf("timezone in %q", s)
		}
		quarters = q
		if s[j] == '-' {
			quarters = -quarters
		}
	}
	loc := time.FixedZone("modem", quarters*15*60)
	return time.Date(2000+yy, time.Month(mo), dd, hh, mi, ss, 0, loc), nil
}

// formatNetworkTime is the inverse of parseNetworkTime, used to set the
// modem clock with AT+CCLK=.
func formatNetworkTime(t time.Time) string {
	_, offset := t.Zone()
	quarters := offset / (15 * 60)
	sign := "+"
	if quarters < 0 {
		sign = "-"
		quarters = -quarters
	}
	return fmt.Sprintf("%02d/%02d/%02d,%02d:%02d:%02d%s%02d",
		t.Year()%100, int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), sign, quarters)
}

// parseSendReport extracts the confirmed byte count from
// "+CIPSEND: <link>,<reqLen>,<cnfLen>" (the last integer field).
func parseSendReport(resp string) (int, error) {
	i := strings.Index(resp, "+CIPSEND:")
	if i < 0 {
		return 0, errors.NotFoundf("+CIPSEND in %q", compactResponse(resp))
	}
	rest := resp[i+len("+CIPSEND:"):]
	if end := strings.IndexAny(rest, "\r\n"); end >= 0 {
		rest = rest[:end]
	}
	fields := strings.Split(rest, ",")
	last := strings.TrimSpace(fields[len(fields)-1])
	n, err := strconv.Atoi(last)
	if err != nil {
		return 0, errors.NotValidf("send report %q", compactResponse(resp))
	}
	return n, nil
}

var (
	recvMarkerIPD  = []byte("+IPD")
	recvMarkerFrom = []byte("RECV FROM:")
)

// findPayload strips the modem's receive notification header and returns
// the application bytes. "+IPD<len>:" wins when present; the header digits,
// colon and line breaks after the marker are skipped, everything after the
// first payload byte is kept verbatim. With only "RECV FROM:" the payload
// starts on the next line.
func findPayload(raw []byte) ([]byte, bool) {
	if i := bytes.Index(raw, recvMarkerIPD); i >= 0 {
		rest := raw[i+len(recvMarkerIPD):]
		j := 0
		for j < len(rest) && isIPDHeaderByte(rest[j]) {
			j++
		}
		if j < len(rest) {
			return rest[j:], true
		}
		return nil, false
	}
	if i := bytes.Index(raw, recvMarkerFrom); i >= 0 {
		rest := raw[i+len(recvMarkerFrom):]
		if j := bytes.IndexByte(rest, '\n'); j >= 0 && j+1 < len(rest) {
			return rest[j+1:], true
		}
		return nil, false
	}
	return nil, false
}

func isIPDHeaderByte(b byte) bool {
	switch b {
	case ',', ':', '\r', '\n':
		return true
	}
	return b >= '0' && b <= '9'
}
