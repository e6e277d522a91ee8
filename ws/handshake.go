package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strings"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func newKey(rnd *rand.Rand) string {
	var raw [16]byte
	rnd.Read(raw[:]) // math/rand.Read never fails
	return base64.StdEncoding.EncodeToString(raw[:])
}

func acceptDigest(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func handshakeRequest(host string, port uint16, path, key string) []byte {
	if path == "" {
		path = "/"
	}
	return []byte(fmt.Sprintf(
		"GET %s HTTP/1.1\r\n"+
			"Host: %s:%d\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Key: %s\r\n"+
			"Sec-WebSocket-Version: 13\r\n"+
			"\r\n",
		path, host, port, key))
}

// validateHandshake checks the upgrade response. All four conditions must
// hold: status 101, Upgrade and Connection headers, Sec-WebSocket-Accept
// present. The accept digest value is only compared when verifyAccept is
// set; some embedded deployments front the server with proxies that
// rewrite the key.
func validateHandshake(resp []byte, key string, verifyAccept bool) error {
	text := string(resp)
	lower := strings.ToLower(text)

	statusLine := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		statusLine = text[:i]
	}
	if !strings.Contains(statusLine, "101") {
		return ProtocolError("handshake: not a 101 response: " + strings.TrimSpace(statusLine))
	}
	if !strings.Contains(lower, "upgrade: websocket") {
		return ProtocolError("handshake: missing Upgrade header")
	}
	if !strings.Contains(lower, "connection: upgrade") {
		return ProtocolError("handshake: missing Connection header")
	}

	i := strings.Index(lower, "sec-websocket-accept:")
	if i < 0 {
		return ProtocolError("handshake: missing Sec-WebSocket-Accept header")
	}
	if verifyAccept {
		value := text[i+len("sec-websocket-accept:"):]
		if end := strings.IndexAny(value, "\r\n"); end >= 0 {
			value = value[:end]
		}
		if strings.TrimSpace(value) != acceptDigest(key) {
			return ProtocolError("handshake: accept digest mismatch")
		}
	}
	return nil
}
