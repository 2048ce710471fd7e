package canvas

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHandleErrorRecovers(t *testing.T) {
	err := HandleError(func() {
		panic("render layer failed")
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, err.Error(), "render layer failed")

	panicErr := errors.New("closed")
	err = HandleError(func() {
		panic(panicErr)
	})
	assert.Equal(t, errors.Is(err, panicErr), true)

	calls := 0
	err = HandleError(func() {
		calls += 1
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, calls, 1)
}

func TestLocalStateObserverPanicDoesNotStopOthers(t *testing.T) {
	localState := NewLocalState(DefaultKeyRegistry())
	localState.AddChangeCallback(func(field Field, value any) {
		panic("observer")
	})
	received := []any{}
	localState.AddChangeCallback(func(field Field, value any) {
		received = append(received, value)
	})

	changed, err := localState.Set(TextField(), "hello")
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)
	assert.Equal(t, received, []any{"hello"})
}

func TestPanicJsonKeepsFrames(t *testing.T) {
	stack := []byte("goroutine 1 [running]:\nmain.f()\n\t/src/main.go:10 +0x1d\nmain.main()\n\t/src/main.go:4 +0x17\n")
	assert.Equal(
		t,
		panicJson("boom", stack),
		`{"panic":"string=boom","frames":["/src/main.go:10 +0x1d","/src/main.go:4 +0x17"]}`,
	)
}
