package core

import (
	"fmt"
	"strings"
)

// State is the connection state adb reports for a device.
type State string

const (
	StateDevice       State = "device"
	StateOffline      State = "offline"
	StateUnauthorized State = "unauthorized"
	StateUnknown      State = "unknown"
)

// ParseState maps the adb state column onto a State.
func ParseState(s string) State {
	switch State(strings.TrimSpace(s)) {
	case StateDevice:
		return StateDevice
	case StateOffline:
		return StateOffline
	case StateUnauthorized:
		return StateUnauthorized
	default:
		return StateUnknown
	}
}

// Device is an Android device visible to adb.
type Device struct {
	Serial    string `json:"serial"`
	State     State  `json:"state"`
	Model     string `json:"model,omitempty"`
	Product   string `json:"product,omitempty"`
	Transport string `json:"transport,omitempty"`
	Capturing bool   `json:"capturing"`
}

// Ready reports whether commands can be sent to the device.
func (d Device) Ready() bool {
	return d.State == StateDevice
}

// Label returns the model when known, falling back to the serial.
func (d Device) Label() string {
	if d.Model != "" {
		return d.Model + " (" + d.Serial + ")"
	}
	return d.Serial
}

// SessionKey constructs a capture session key.
// Format: serial/package
func SessionKey(serial, pkg string) string {
	return fmt.Sprintf("%s/%s", serial, pkg)
}

// ParseSessionKey splits a session key into serial and package.
func ParseSessionKey(key string) (serial, pkg string, err error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 {
		return "", "", fmt.Errorf("invalid session key %q: expected serial/package", key)
	}
	return key[:i], key[i+1:], nil
}
