package tgui

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// MaxCallbackDataLen is Telegram's byte limit for callback_data, covering
// the whole "scope:action:payload" string.
const MaxCallbackDataLen = 64

// Data assembles callback data as "scope:action:payload". The payload is
// not escaped; use PackJSON for structured values.
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// PackJSON encodes v as unpadded base64url JSON for use as a payload.
func PackJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// UnpackJSON reverses PackJSON.
func UnpackJSON(payload string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
