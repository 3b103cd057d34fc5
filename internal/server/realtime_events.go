package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"officechat/internal/service"
)

var errMissingChatID = errors.New("chatId is required")

// clientFrame is an inbound websocket frame. chatId may sit at the top level
// or inside payload, and payload may also be the bare chat id.
type clientFrame struct {
	Type    string          `json:"type"`
	ChatID  json.Number     `json:"chatId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type framePayload struct {
	ChatID     json.Number         `json:"chatId,omitempty"`
	Text       string              `json:"text,omitempty"`
	Attachment *service.Attachment `json:"attachment,omitempty"`
}

func parseClientFrame(raw []byte) (clientFrame, error) {
	var frame clientFrame
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&frame); err != nil {
		return clientFrame{}, err
	}
	if frame.Type == "" {
		return clientFrame{}, errors.New("frame type is required")
	}
	return frame, nil
}

// payload decodes the object form of the payload. A scalar payload yields
// an empty struct.
func (f clientFrame) payload() framePayload {
	var p framePayload
	if len(f.Payload) == 0 || f.Payload[0] != '{' {
		return p
	}
	dec := json.NewDecoder(bytes.NewReader(f.Payload))
	dec.UseNumber()
	_ = dec.Decode(&p)
	return p
}

// chatID resolves the chat the frame refers to.
func (f clientFrame) chatID() (uint, error) {
	candidates := []string{f.payload().ChatID.String(), f.ChatID.String()}
	if len(f.Payload) > 0 && f.Payload[0] != '{' {
		candidates = append(candidates, string(bytes.Trim(f.Payload, `"`)))
	}
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		id, err := strconv.ParseUint(raw, 10, 32)
		if err == nil && id > 0 {
			return uint(id), nil
		}
	}
	return 0, errMissingChatID
}
