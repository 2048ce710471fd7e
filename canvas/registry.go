package canvas

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

var ErrUnknownKey = errors.New("Unknown key.")
var ErrInvalidValue = errors.New("Invalid value.")

type FieldKind int

const (
	FieldText FieldKind = iota
	FieldParam
)

// comparable
// one named shared field. Text has an empty key.
type Field struct {
	Kind FieldKind
	Key  string
}

func TextField() Field {
	return Field{Kind: FieldText}
}

func ParamField(key string) Field {
	return Field{Kind: FieldParam, Key: key}
}

func FieldFromUpdate(update *protocol.UpdateState) (Field, error) {
	switch update.Type {
	case protocol.UpdateTypeText:
		return TextField(), nil
	case protocol.UpdateTypeParam:
		return ParamField(update.Key), nil
	default:
		return Field{}, fmt.Errorf("%w: %q", protocol.ErrMalformedFrame, update.Type)
	}
}

func (self Field) Update(value any) *protocol.UpdateState {
	switch self.Kind {
	case FieldText:
		text, _ := value.(string)
		return protocol.TextUpdate(text)
	default:
		return protocol.ParamUpdate(self.Key, value)
	}
}

func (self Field) String() string {
	switch self.Kind {
	case FieldText:
		return "text"
	default:
		return fmt.Sprintf("param[%s]", self.Key)
	}
}

// discrete fields are identity or mode switches and go out immediately.
// continuous fields are driven by sliders and pickers and are debounced.
type RateClass int

const (
	RateDiscrete RateClass = iota
	RateContinuous
)

func ParseRateClass(rate string) (RateClass, error) {
	switch rate {
	case "discrete":
		return RateDiscrete, nil
	case "continuous":
		return RateContinuous, nil
	default:
		return 0, fmt.Errorf("unknown rate class %q", rate)
	}
}

func (self RateClass) String() string {
	switch self {
	case RateDiscrete:
		return "discrete"
	default:
		return "continuous"
	}
}

type ValueType int

const (
	ValueAny ValueType = iota
	ValueString
	ValueNumber
	ValueBool
	ValueObject
	ValueList
)

func ParseValueType(valueType string) (ValueType, error) {
	switch valueType {
	case "", "any":
		return ValueAny, nil
	case "string":
		return ValueString, nil
	case "number":
		return ValueNumber, nil
	case "bool":
		return ValueBool, nil
	case "object":
		return ValueObject, nil
	case "list":
		return ValueList, nil
	default:
		return 0, fmt.Errorf("unknown value type %q", valueType)
	}
}

func (self ValueType) String() string {
	switch self {
	case ValueString:
		return "string"
	case ValueNumber:
		return "number"
	case ValueBool:
		return "bool"
	case ValueObject:
		return "object"
	case ValueList:
		return "list"
	default:
		return "any"
	}
}

// `value` must be in normal form (see `protocol.NormalizeValue`).
// Null is accepted for every type and clears the field for renderers.
func (self ValueType) accepts(value any) bool {
	if value == nil {
		return true
	}
	switch self {
	case ValueString:
		_, ok := value.(string)
		return ok
	case ValueNumber:
		_, ok := value.(float64)
		return ok
	case ValueBool:
		_, ok := value.(bool)
		return ok
	case ValueObject:
		_, ok := value.(map[string]any)
		return ok
	case ValueList:
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

type KeySpec struct {
	Key  string
	Rate RateClass
	Type ValueType
	// legacy names for the same logical field
	Aliases []string
}

// Known param keys with their declared value type and rate class.
// Aliases resolve to one canonical key so that echo suppression and debounce
// share one bucket per logical field.
type KeyRegistry struct {
	specs   map[string]KeySpec
	aliases map[string]string
	// reject unknown keys instead of logging them
	strict      bool
	unknownRate RateClass

	stateLock     sync.Mutex
	loggedUnknown map[string]bool
}

func NewKeyRegistry(strict bool, specs ...KeySpec) (*KeyRegistry, error) {
	registry := &KeyRegistry{
		specs:         map[string]KeySpec{},
		aliases:       map[string]string{},
		strict:        strict,
		unknownRate:   RateContinuous,
		loggedUnknown: map[string]bool{},
	}
	for _, spec := range specs {
		if spec.Key == "" {
			return nil, errors.New("key spec missing key")
		}
		if registry.isDefined(spec.Key) {
			return nil, fmt.Errorf("duplicate key %s", spec.Key)
		}
		registry.specs[spec.Key] = spec
	}
	for _, spec := range specs {
		for _, alias := range spec.Aliases {
			if alias == spec.Key || registry.isDefined(alias) {
				return nil, fmt.Errorf("duplicate alias %s for key %s", alias, spec.Key)
			}
			registry.aliases[alias] = spec.Key
		}
	}
	return registry, nil
}

func RequireKeyRegistry(strict bool, specs ...KeySpec) *KeyRegistry {
	registry, err := NewKeyRegistry(strict, specs...)
	if err != nil {
		panic(err)
	}
	return registry
}

func DefaultKeySpecs() []KeySpec {
	return []KeySpec{
		{Key: "bg-type", Rate: RateDiscrete, Type: ValueString, Aliases: []string{"bgType"}},
		{Key: "type-mode", Rate: RateDiscrete, Type: ValueString, Aliases: []string{"typeMode"}},
		{Key: "shapes", Rate: RateDiscrete, Type: ValueList},
		{Key: "font", Rate: RateDiscrete, Type: ValueString},
		{Key: "bg-speed", Rate: RateContinuous, Type: ValueNumber, Aliases: []string{"bgSpeed"}},
		{Key: "bg-color", Rate: RateContinuous, Type: ValueString, Aliases: []string{"bgColor"}},
		{Key: "bg-settings", Rate: RateContinuous, Type: ValueObject},
		{Key: "text-size", Rate: RateContinuous, Type: ValueNumber},
		{Key: "text-color", Rate: RateContinuous, Type: ValueString},
		{Key: "type-settings", Rate: RateContinuous, Type: ValueObject},
	}
}

func DefaultKeyRegistry() *KeyRegistry {
	return RequireKeyRegistry(false, DefaultKeySpecs()...)
}

func (self *KeyRegistry) isDefined(key string) bool {
	if _, ok := self.specs[key]; ok {
		return true
	}
	_, ok := self.aliases[key]
	return ok
}

func (self *KeyRegistry) Strict() bool {
	return self.strict
}

// resolves aliases. Unknown keys are an error only when strict.
func (self *KeyRegistry) Canonical(field Field) (Field, error) {
	if field.Kind == FieldText {
		return field, nil
	}
	if _, ok := self.specs[field.Key]; ok {
		return field, nil
	}
	if key, ok := self.aliases[field.Key]; ok {
		return ParamField(key), nil
	}
	if self.strict {
		return Field{}, fmt.Errorf("%w: %s", ErrUnknownKey, field.Key)
	}
	self.logUnknown(field.Key)
	return field, nil
}

func (self *KeyRegistry) logUnknown(key string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.loggedUnknown[key] {
		self.loggedUnknown[key] = true
		glog.Infof("[reg]unknown key %s accepted as %s\n", key, self.unknownRate)
	}
}

// `field` must be canonical
func (self *KeyRegistry) RateClass(field Field) RateClass {
	if field.Kind == FieldText {
		return RateDiscrete
	}
	if spec, ok := self.specs[field.Key]; ok {
		return spec.Rate
	}
	return self.unknownRate
}

func (self *KeyRegistry) Spec(key string) (KeySpec, bool) {
	if canonicalKey, ok := self.aliases[key]; ok {
		key = canonicalKey
	}
	spec, ok := self.specs[key]
	return spec, ok
}

// ordered by key
func (self *KeyRegistry) Specs() []KeySpec {
	specs := make([]KeySpec, 0, len(self.specs))
	for _, spec := range self.specs {
		specs = append(specs, spec)
	}
	slices.SortFunc(specs, func(a KeySpec, b KeySpec) int {
		if a.Key < b.Key {
			return -1
		} else if b.Key < a.Key {
			return 1
		}
		return 0
	})
	return specs
}

// Canonicalizes the field, normalizes the value, and checks the declared type.
// This is the single admission check for any value entering shared state.
func (self *KeyRegistry) Check(field Field, value any) (Field, any, error) {
	canonicalField, err := self.Canonical(field)
	if err != nil {
		return Field{}, nil, err
	}
	if canonicalField.Kind == FieldText {
		text, ok := value.(string)
		if !ok {
			return Field{}, nil, fmt.Errorf("%w: text must be a string", ErrInvalidValue)
		}
		return canonicalField, text, nil
	}
	normalValue, err := protocol.NormalizeValue(value)
	if err != nil {
		return Field{}, nil, fmt.Errorf("%w: %s %s", ErrInvalidValue, canonicalField, err)
	}
	if spec, ok := self.specs[canonicalField.Key]; ok {
		if !spec.Type.accepts(normalValue) {
			return Field{}, nil, fmt.Errorf("%w: %s must be %s", ErrInvalidValue, canonicalField, spec.Type)
		}
	}
	return canonicalField, normalValue, nil
}
