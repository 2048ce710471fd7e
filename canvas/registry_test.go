package canvas

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestKeyRegistryAliases(t *testing.T) {
	registry := DefaultKeyRegistry()

	field, err := registry.Canonical(ParamField("bgType"))
	assert.Equal(t, err, nil)
	assert.Equal(t, field, ParamField("bg-type"))

	field, err = registry.Canonical(ParamField("bg-type"))
	assert.Equal(t, err, nil)
	assert.Equal(t, field, ParamField("bg-type"))

	spec, ok := registry.Spec("bgType")
	assert.Equal(t, ok, true)
	assert.Equal(t, spec.Key, "bg-type")
	assert.Equal(t, spec.Rate, RateDiscrete)

	assert.Equal(t, registry.RateClass(TextField()), RateDiscrete)
	assert.Equal(t, registry.RateClass(ParamField("bg-speed")), RateContinuous)
	// unknown keys are accepted as continuous
	assert.Equal(t, registry.RateClass(ParamField("new-slider")), RateContinuous)
}

func TestKeyRegistryStrict(t *testing.T) {
	registry := RequireKeyRegistry(true, DefaultKeySpecs()...)

	_, err := registry.Canonical(ParamField("new-slider"))
	assert.Equal(t, errors.Is(err, ErrUnknownKey), true)

	_, _, err = registry.Check(ParamField("new-slider"), 1)
	assert.Equal(t, errors.Is(err, ErrUnknownKey), true)

	field, err := registry.Canonical(TextField())
	assert.Equal(t, err, nil)
	assert.Equal(t, field, TextField())
}

func TestKeyRegistryCheck(t *testing.T) {
	registry := DefaultKeyRegistry()

	field, value, err := registry.Check(ParamField("bgSpeed"), 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, field, ParamField("bg-speed"))
	assert.Equal(t, value, float64(2))

	_, _, err = registry.Check(ParamField("bg-speed"), "fast")
	assert.Equal(t, errors.Is(err, ErrInvalidValue), true)

	_, _, err = registry.Check(ParamField("bg-settings"), []any{1})
	assert.Equal(t, errors.Is(err, ErrInvalidValue), true)

	_, value, err = registry.Check(ParamField("bg-settings"), map[string]any{"density": 3})
	assert.Equal(t, err, nil)
	assert.Equal(t, value, map[string]any{"density": float64(3)})

	// null clears any field
	_, value, err = registry.Check(ParamField("shapes"), nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, nil)

	_, _, err = registry.Check(TextField(), 3)
	assert.Equal(t, errors.Is(err, ErrInvalidValue), true)

	_, _, err = registry.Check(ParamField("anything"), make(chan int))
	assert.Equal(t, errors.Is(err, ErrInvalidValue), true)
}

func TestKeyRegistryDuplicates(t *testing.T) {
	_, err := NewKeyRegistry(false,
		KeySpec{Key: "a"},
		KeySpec{Key: "a"},
	)
	assert.NotEqual(t, err, nil)

	_, err = NewKeyRegistry(false,
		KeySpec{Key: "a", Aliases: []string{"b"}},
		KeySpec{Key: "b"},
	)
	assert.NotEqual(t, err, nil)

	registry, err := NewKeyRegistry(false,
		KeySpec{Key: "b"},
		KeySpec{Key: "a"},
	)
	assert.Equal(t, err, nil)
	specs := registry.Specs()
	assert.Equal(t, len(specs), 2)
	assert.Equal(t, specs[0].Key, "a")
	assert.Equal(t, specs[1].Key, "b")
}
