package collector

import (
	"runtime"
	"strings"
)

const unknownSource = "unknown"

var collectorPkg = funcPackage(func() string {
	pc, _, _, _ := runtime.Caller(0)
	return runtime.FuncForPC(pc).Name()
}())

// funcPackage returns the import path part of a fully qualified function name.
func funcPackage(name string) string {
	slash := strings.LastIndex(name, "/")
	if dot := strings.Index(name[slash+1:], "."); dot >= 0 {
		return name[:slash+1+dot]
	}
	return name
}

func shortName(function string) string {
	return function[strings.LastIndex(function, "/")+1:]
}

// callerSource names the first function outside this package on the stack.
func callerSource() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if frame.Function != "" && funcPackage(frame.Function) != collectorPkg {
			return shortName(frame.Function)
		}
		if !more {
			return unknownSource
		}
	}
}

// Caller returns "package.Function" for the function skip frames above the
// caller of Caller. Wrappers use it to attribute metrics to their own caller.
func Caller(skip int) string {
	pcs := make([]uintptr, 1)
	if runtime.Callers(skip+2, pcs) == 0 {
		return unknownSource
	}
	frame, _ := runtime.CallersFrames(pcs).Next()
	if frame.Function == "" {
		return unknownSource
	}
	return shortName(frame.Function)
}
