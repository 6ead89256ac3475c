package buddy

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// LogLevel controls how much the package logs about its own operation.
type LogLevel int

const (
	// LogLevelNone disables all logging. This is the default.
	LogLevelNone LogLevel = iota
	// LogLevelError enables error logging only.
	LogLevelError
	// LogLevelDebug enables debug and error logging.
	LogLevelDebug
)

var (
	logMu        sync.Mutex
	currentLevel = LogLevelNone

	debugLogger = log.New(os.Stdout, "[buddy debug] ", log.Ldate|log.Ltime|log.Lshortfile)
	errorLogger = log.New(os.Stderr, "[buddy error] ", log.Ldate|log.Ltime|log.Lshortfile)
)

// SetLogLevel sets the package-wide log level. Safe to call concurrently.
func SetLogLevel(level LogLevel) {
	logMu.Lock()
	currentLevel = level
	logMu.Unlock()
}

func debugf(format string, v ...interface{}) {
	logMu.Lock()
	level := currentLevel
	logMu.Unlock()
	if level >= LogLevelDebug {
		debugLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func errorf(format string, v ...interface{}) {
	logMu.Lock()
	level := currentLevel
	logMu.Unlock()
	if level >= LogLevelError {
		errorLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// FatalHandler is invoked when the backing region cannot be acquired or
// released (an mmap/munmap failure). The reference allocator treats this as
// unrecoverable and kills the process; embedding this package in another
// process makes an uncatchable signal hostile, so the default handler
// panics instead. Callers that want process-kill semantics identical to the
// reference can replace it, e.g.:
//
//	buddy.FatalHandler = func(err error) { os.Exit(1) }
var FatalHandler = func(err error) {
	panic(err)
}

func fatal(context string, err error) {
	errorf("%s: %v", context, err)
	FatalHandler(fmt.Errorf("%s: %w", context, err))
}
