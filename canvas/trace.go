package canvas

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// Runs a callback and turns a panic into a returned error.
// Callbacks belong to the embedding app and must not take down the
// goroutine that notifies them.
func HandleError(do func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if rErr, ok := r.(error); ok {
			err = rErr
		} else {
			err = fmt.Errorf("%v", r)
		}
		glog.Warningf("[recover]%s\n", panicJson(r, debug.Stack()))
	}()
	do()
	return
}

type panicReport struct {
	Panic  string   `json:"panic"`
	Frames []string `json:"frames"`
}

// keeps only the `file:line` lines of the stack
func panicJson(r any, stack []byte) string {
	report := panicReport{
		Panic:  fmt.Sprintf("%T=%v", r, r),
		Frames: []string{},
	}
	for _, line := range strings.Split(string(stack), "\n") {
		if strings.HasPrefix(line, "\t") {
			report.Frames = append(report.Frames, strings.TrimSpace(line))
		}
	}
	reportJson, _ := json.Marshal(report)
	return string(reportJson)
}

// Logs the duration and error of `do`. Callers guard with a verbosity check.
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	start := time.Now()
	glog.Infof("[trace]%s\n", tag)
	result, returnErr = do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	if returnErr != nil {
		glog.Infof("[trace]%s (%.2fms) err = %s\n", tag, millis, returnErr)
	} else {
		glog.Infof("[trace]%s (%.2fms)\n", tag, millis)
	}
	return
}
