// Package checks terminates the process on unrecoverable errors in the command line tools.
package checks

import (
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

// Check logs err with the caller's stack and exits when err is non-nil.
func Check(err error) {
	if err != nil {
		log.Fatal().Err(err).Str("stack", callerStack()).Msg("fatal error")
	}
}

// CheckWithMessage is Check with a custom log message.
func CheckWithMessage(err error, message string) {
	if err != nil {
		log.Fatal().Err(err).Str("stack", callerStack()).Msg(message)
	}
}

// callerStack drops the goroutine header and the frames of this package.
func callerStack() string {
	lines := strings.Split(string(debug.Stack()), "\n")
	if len(lines) > 7 {
		lines = lines[7:]
	}
	return strings.Join(lines, "\n")
}
