package reflow

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `reflow` package:
// Info:
//     abnormal but recovered events. This level should be silent on normal operation.
//     this includes:
//     - forced sign out and cart reset
//     - swallowed best-effort call failures
//     - degraded operation (no bus, popup blocked)
// Warning:
//     recovered panics from listeners and host callbacks
// V(1):
//     key state transitions with the entity id, e.g. signin, refresh applied, popup open/close
// V(2):
//     frequent events, e.g. each api call, bus message, debounce fire

const LogLevelUrgent = glog.Level(0)
const LogLevelInfo = glog.Level(1)
const LogLevelDebug = glog.Level(2)

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s%s", tag, m))
		}
	}
}

func SubLogFn(level glog.Level, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			log("%s%s", tag, m)
		}
	}
}
