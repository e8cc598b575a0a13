package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gorilla/websocket"
)

var errEmptyFrame = errors.New("empty frame")

// frameEnvelope is the JSON form sent by the webcam client.
type frameEnvelope struct {
	Image string `json:"image"`
}

// frameBytes extracts the encoded image carried by one websocket message.
// Text messages hold a data URL, bare base64, or {"image": <data URL>};
// binary messages hold the encoded image itself.
func frameBytes(messageType int, payload []byte) ([]byte, error) {
	if messageType == websocket.BinaryMessage {
		if len(payload) == 0 {
			return nil, errEmptyFrame
		}
		return payload, nil
	}

	text := bytes.TrimSpace(payload)
	if len(text) > 0 && text[0] == '{' {
		var env frameEnvelope
		if err := json.Unmarshal(text, &env); err != nil {
			return nil, err
		}
		text = []byte(strings.TrimSpace(env.Image))
	}

	// data:image/jpeg;base64,<payload>
	if i := bytes.IndexByte(text, ','); i >= 0 {
		text = text[i+1:]
	}
	if len(text) == 0 {
		return nil, errEmptyFrame
	}

	return decodeBase64(string(text))
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}
