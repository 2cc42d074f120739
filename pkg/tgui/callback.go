package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

var (
	ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
	ErrCallbackDataInvalid = errors.New("tgui: malformed callback_data")
)

// Data formats callback data as "scope:action[:payload]".
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// CheckData rejects data Telegram would refuse.
func CheckData(data string) error {
	if len(data) > MaxCallbackDataLen {
		return ErrCallbackDataTooLong
	}
	return nil
}

// ParseData splits callback data produced by Data. The payload may itself
// contain colons.
func ParseData(data string) (scope, action, payload string, err error) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", ErrCallbackDataInvalid
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, nil
}
