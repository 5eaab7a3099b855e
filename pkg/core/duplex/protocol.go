// Package duplex implements the websocket client for the streaming,
// audio-capable AI endpoint: connection lifecycle, outbound multiplexing of
// audio/text/end-of-turn frames, and ordered delivery of inbound audio,
// transcript, widget, and turn events.
package duplex

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stillpoint-app/checkin/pkg/core"
)

// clientAudioFrame carries one base64 PCM16 16 kHz mono frame upstream.
type clientAudioFrame struct {
	Audio string `json:"audio"`
	Seq   int64  `json:"seq,omitempty"`
}

// clientTextFrame carries a discrete text message upstream.
type clientTextFrame struct {
	Text string `json:"text"`
}

// clientEndFrame signals end-of-turn without closing the channel.
type clientEndFrame struct {
	EndOfAudioStream bool `json:"endOfAudioStream"`
}

// TranscriptPayload is an inbound transcript fragment.
type TranscriptPayload struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// WidgetCall is an inbound structured widget proposal. Args are opaque at
// this layer; validation happens before dispatch.
type WidgetCall struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Args json.RawMessage `json:"args"`
}

// serverFrame is the union of inbound frame shapes. Exactly one field is
// expected to be present per frame.
type serverFrame struct {
	ModelAudioChunk string             `json:"modelAudioChunk,omitempty"`
	Transcript      *TranscriptPayload `json:"transcript,omitempty"`
	WidgetCall      *WidgetCall        `json:"widgetCall,omitempty"`
	TurnComplete    bool               `json:"turnComplete,omitempty"`
	Error           *serverError       `json:"error,omitempty"`
}

type serverError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is the closed union of inbound session events.
type Event interface {
	duplexEventType() string
}

// ConnectedEvent is delivered once per successful connect.
type ConnectedEvent struct{}

func (ConnectedEvent) duplexEventType() string { return "connected" }

// AudioChunkEvent carries decoded assistant PCM.
type AudioChunkEvent struct {
	Data []byte
}

func (AudioChunkEvent) duplexEventType() string { return "model_audio_chunk" }

// TranscriptEvent carries a transcript fragment for either role.
type TranscriptEvent struct {
	Role  string
	Text  string
	Final bool
}

func (TranscriptEvent) duplexEventType() string { return "transcript" }

// WidgetCallEvent carries a widget proposal, delivered at most once per id.
type WidgetCallEvent struct {
	ID   string
	Type string
	Args json.RawMessage
}

func (WidgetCallEvent) duplexEventType() string { return "widget_call" }

// TurnCompleteEvent marks the end of an assistant turn.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) duplexEventType() string { return "turn_complete" }

// ErrorEvent carries a remote error frame.
type ErrorEvent struct {
	Code    string
	Message string
}

func (ErrorEvent) duplexEventType() string { return "error" }

func encodeAudioFrame(pcm []byte, seq int64) clientAudioFrame {
	return clientAudioFrame{
		Audio: base64.StdEncoding.EncodeToString(pcm),
		Seq:   seq,
	}
}

// decodeServerFrame parses one inbound text frame into an Event.
func decodeServerFrame(data []byte) (Event, error) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, core.NewProtocolError(fmt.Sprintf("decode server frame: %v", err), "")
	}

	switch {
	case frame.ModelAudioChunk != "":
		pcm, err := base64.StdEncoding.DecodeString(frame.ModelAudioChunk)
		if err != nil {
			return nil, core.NewProtocolError("model audio chunk is not valid base64", "modelAudioChunk")
		}
		return AudioChunkEvent{Data: pcm}, nil
	case frame.Transcript != nil:
		return TranscriptEvent{
			Role:  strings.TrimSpace(frame.Transcript.Role),
			Text:  frame.Transcript.Text,
			Final: frame.Transcript.Final,
		}, nil
	case frame.WidgetCall != nil:
		call := frame.WidgetCall
		if strings.TrimSpace(call.Type) == "" {
			return nil, core.NewProtocolError("widget call missing type", "widgetCall.type")
		}
		return WidgetCallEvent{
			ID:   strings.TrimSpace(call.ID),
			Type: strings.TrimSpace(call.Type),
			Args: append(json.RawMessage(nil), call.Args...),
		}, nil
	case frame.TurnComplete:
		return TurnCompleteEvent{}, nil
	case frame.Error != nil:
		return ErrorEvent{
			Code:    strings.TrimSpace(frame.Error.Code),
			Message: strings.TrimSpace(frame.Error.Message),
		}, nil
	default:
		return nil, core.NewProtocolError("server frame has no recognized payload", "")
	}
}
