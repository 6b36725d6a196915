package tripsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `tripsync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) session data that is useful for monitoring
//     this includes:
//     - resync, gap timeouts, join and leave timeouts
//     - transport errors and reconnects
// Warning:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key session events with the trip plan id and counter, e.g. state changes and snapshot baselines
// V(2):
//     every envelope sent, received, admitted, discarded and released

const LogLevelSession = 1
const LogLevelEnvelope = 2

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

func SubLogFn(level glog.Level, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
