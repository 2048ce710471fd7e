package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// event names on the wire
const (
	EventInitialState      = "initial_state"
	EventUpdateState       = "update_state"
	EventMouseMove         = "mouse_move"
	EventRemoteMouseMove   = "remote_mouse_move"
	EventRemoteMouseRemove = "remote_mouse_remove"
	EventChatMessage       = "chat_message"
)

// update types
const (
	UpdateTypeText  = "text"
	UpdateTypeParam = "param"
)

var ErrMalformedFrame = errors.New("Malformed frame.")

// every frame is a json text message `{"event": <name>, "data": <payload>}`
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type InitialState struct {
	Text   string         `json:"text"`
	Params map[string]any `json:"params"`
}

// `Key` is only set for `param` updates
type UpdateState struct {
	Type  string `json:"type"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value"`
}

func TextUpdate(text string) *UpdateState {
	return &UpdateState{
		Type:  UpdateTypeText,
		Value: text,
	}
}

func ParamUpdate(key string, value any) *UpdateState {
	return &UpdateState{
		Type:  UpdateTypeParam,
		Key:   key,
		Value: value,
	}
}

// checks the shape of the update only. Key and value semantics are up to the receiver.
func (self *UpdateState) Validate() error {
	switch self.Type {
	case UpdateTypeText:
		if _, ok := self.Value.(string); !ok {
			return fmt.Errorf("%w: text value must be a string", ErrMalformedFrame)
		}
		return nil
	case UpdateTypeParam:
		if self.Key == "" {
			return fmt.Errorf("%w: param update missing key", ErrMalformedFrame)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown update type %q", ErrMalformedFrame, self.Type)
	}
}

// x and y are normalized to [0, 1]
type MouseMove struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color"`
	Name  string  `json:"name"`
}

type RemoteMouseMove struct {
	Id    string  `json:"id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color"`
	Name  string  `json:"name"`
}

type RemoteMouseRemove struct {
	Id string `json:"id"`
}

type ChatMessage struct {
	Text  string `json:"text"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

func EncodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(&Frame{
		Event: event,
		Data:  data,
	})
}

func DecodeFrame(frameBytes []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(frameBytes, frame); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, err)
	}
	if frame.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return frame, nil
}

// decodes the frame payload into `out`
func (self *Frame) DecodeData(out any) error {
	if len(self.Data) == 0 {
		return fmt.Errorf("%w: %s missing data", ErrMalformedFrame, self.Event)
	}
	if err := json.Unmarshal(self.Data, out); err != nil {
		return fmt.Errorf("%w: %s %s", ErrMalformedFrame, self.Event, err)
	}
	return nil
}

func DecodeUpdateState(frame *Frame) (*UpdateState, error) {
	// a missing value is malformed, an explicit null is a valid value
	var raw struct {
		Type  string          `json:"type"`
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := frame.DecodeData(&raw); err != nil {
		return nil, err
	}
	if len(raw.Value) == 0 {
		return nil, fmt.Errorf("%w: update_state missing value", ErrMalformedFrame)
	}
	update := &UpdateState{
		Type: raw.Type,
		Key:  raw.Key,
	}
	if err := json.Unmarshal(raw.Value, &update.Value); err != nil {
		return nil, fmt.Errorf("%w: update_state %s", ErrMalformedFrame, err)
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}
	return update, nil
}

func DecodeMouseMove(frame *Frame) (*MouseMove, error) {
	// use pointers to detect missing coordinates
	var raw struct {
		X     *float64 `json:"x"`
		Y     *float64 `json:"y"`
		Color string   `json:"color"`
		Name  string   `json:"name"`
	}
	if err := frame.DecodeData(&raw); err != nil {
		return nil, err
	}
	if raw.X == nil || raw.Y == nil {
		return nil, fmt.Errorf("%w: mouse_move missing coordinates", ErrMalformedFrame)
	}
	return &MouseMove{
		X:     *raw.X,
		Y:     *raw.Y,
		Color: raw.Color,
		Name:  raw.Name,
	}, nil
}

func DecodeChatMessage(frame *Frame) (*ChatMessage, error) {
	chatMessage := &ChatMessage{}
	if err := frame.DecodeData(chatMessage); err != nil {
		return nil, err
	}
	return chatMessage, nil
}
