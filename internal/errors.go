package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DebugEnvVar makes Assert panic instead of logging when set to "1".
const DebugEnvVar = "RECEIPTSYNC_DEBUG"

type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// BadRequest is a 400 HandlerError with a formatted message.
func BadRequest(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusBadRequest,
		Err:        fmt.Errorf(format, args...),
	}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and RECEIPTSYNC_DEBUG=1 then the program panics.
// Otherwise the program logs an error along with the file/line number of the caller of Assert.
// Assert is for invariants which only a logic error can break, e.g a receipt stored under a
// thread ID which should have been collapsed. Never use it for network or database errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("receipt has a room ID", r.RoomID != "")
//
// Which then produces:
//
//	assertion failed: receipt has a room ID
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv(DebugEnvVar) == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
