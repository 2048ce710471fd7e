package protocol

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// snapshot file layout, a `structpb.Struct` with
// - "text": string
// - "params": struct
const (
	snapshotTextField   = "text"
	snapshotParamsField = "params"
)

// Converts any json compatible value into its canonical json form
// (nil, bool, float64, string, []any, map[string]any).
// The result never shares memory with the input.
func NormalizeValue(value any) (any, error) {
	v, err := structpb.NewValue(value)
	if err != nil {
		return nil, err
	}
	return v.AsInterface(), nil
}

func NormalizeParams(params map[string]any) (map[string]any, error) {
	normalParams := make(map[string]any, len(params))
	for key, value := range params {
		normalValue, err := NormalizeValue(value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		normalParams[key] = normalValue
	}
	return normalParams, nil
}

func EncodeSnapshot(state *InitialState) ([]byte, error) {
	params := state.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsStruct, err := structpb.NewStruct(params)
	if err != nil {
		return nil, err
	}
	snapshot := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			snapshotTextField:   structpb.NewStringValue(state.Text),
			snapshotParamsField: structpb.NewStructValue(paramsStruct),
		},
	}
	return proto.Marshal(snapshot)
}

func DecodeSnapshot(snapshotBytes []byte) (*InitialState, error) {
	snapshot := &structpb.Struct{}
	if err := proto.Unmarshal(snapshotBytes, snapshot); err != nil {
		return nil, err
	}
	state := &InitialState{
		Params: map[string]any{},
	}
	if text, ok := snapshot.Fields[snapshotTextField]; ok {
		if _, ok := text.Kind.(*structpb.Value_StringValue); !ok {
			return nil, fmt.Errorf("snapshot text must be a string")
		}
		state.Text = text.GetStringValue()
	}
	if params, ok := snapshot.Fields[snapshotParamsField]; ok {
		paramsStruct := params.GetStructValue()
		if paramsStruct == nil {
			return nil, fmt.Errorf("snapshot params must be a struct")
		}
		state.Params = paramsStruct.AsMap()
	}
	return state, nil
}
