package samsung

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Inbound event names.
const (
	eventChannelConnect      = "ms.channel.connect"
	eventChannelUnauthorized = "ms.channel.unauthorized"
	eventChannelReady        = "ms.channel.ready"
	eventD2DServiceMessage   = "d2d_service_message"
)

const (
	methodRemoteControl = "ms.remote.control"
	methodChannelEmit   = "ms.channel.emit"

	artAppRequest = "art_app_request"
)

// KeyCommand is the press mode of a remote key frame.
type KeyCommand string

const (
	KeyClick   KeyCommand = "Click"
	KeyPress   KeyCommand = "Press"
	KeyRelease KeyCommand = "Release"
)

// ArtMode is the status channel value. Unknown or unreadable state is ArtModeOff.
type ArtMode string

const (
	ArtModeOn  ArtMode = "on"
	ArtModeOff ArtMode = "off"
)

// frame is any inbound message, discriminated by Event.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// token returns the device-issued token carried by a channel connect frame.
func (f frame) token() string {
	if len(f.Data) == 0 {
		return ""
	}
	var d struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(f.Data, &d); err != nil {
		return ""
	}
	return d.Token
}

type remoteKeyFrame struct {
	Method string          `json:"method"`
	Params remoteKeyParams `json:"params"`
}

type remoteKeyParams struct {
	Cmd          KeyCommand `json:"Cmd"`
	DataOfCmd    string     `json:"DataOfCmd"`
	Option       bool       `json:"Option"`
	TypeOfRemote string     `json:"TypeOfRemote"`
}

func newKeyFrame(cmd KeyCommand, key string) remoteKeyFrame {
	return remoteKeyFrame{
		Method: methodRemoteControl,
		Params: remoteKeyParams{
			Cmd:          cmd,
			DataOfCmd:    key,
			TypeOfRemote: "SendRemoteKey",
		},
	}
}

type emitFrame struct {
	Method string     `json:"method"`
	Params emitParams `json:"params"`
}

type emitParams struct {
	Event string `json:"event"`
	To    string `json:"to"`
	Data  string `json:"data"`
}

type artRequest struct {
	Request string  `json:"request"`
	Value   ArtMode `json:"value,omitempty"`
	ID      string  `json:"id"`
}

// newArtRequest builds an art app request. The device expects the request
// object serialized into a string inside params.data.
func newArtRequest(request string, value ArtMode) (emitFrame, error) {
	inner, err := json.Marshal(artRequest{
		Request: request,
		Value:   value,
		ID:      uuid.NewString(),
	})
	if err != nil {
		return emitFrame{}, fmt.Errorf("failed to marshal art request: %w", err)
	}
	return emitFrame{
		Method: methodChannelEmit,
		Params: emitParams{
			Event: artAppRequest,
			To:    "host",
			Data:  string(inner),
		},
	}, nil
}

// parseArtStatus extracts the art mode from a d2d service message. The data
// field arrives either as a JSON object or as a string holding one.
func parseArtStatus(f frame) (ArtMode, bool) {
	if f.Event != eventD2DServiceMessage || len(f.Data) == 0 {
		return "", false
	}

	payload := []byte(f.Data)
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		payload = []byte(s)
	}

	var d struct {
		Event  string `json:"event"`
		Value  string `json:"value"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &d); err != nil {
		return "", false
	}
	if d.Event != "art_mode_changed" && d.Event != "artmode_status" {
		return "", false
	}
	if d.Value == string(ArtModeOn) || d.Status == string(ArtModeOn) {
		return ArtModeOn, true
	}
	return ArtModeOff, true
}
