package mlambda

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// ErrorReport is the JSON body posted to either invocation/{id}/error or
// init/error.
type ErrorReport struct {
	ErrorType    string   `json:"errorType"`
	ErrorMessage string   `json:"errorMessage"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

func (e *ErrorReport) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorType, e.ErrorMessage)
}

// Kind classifies a RuntimeError. Only Init is fatal to the process;
// every other kind is reported and the loop continues.
type Kind int

const (
	KindInit Kind = iota
	KindInvocation
	KindInvocationStream
	KindDecoding
	KindEncoding
	KindTransport
	KindContractViolation
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "Init"
	case KindInvocation:
		return "Invocation"
	case KindInvocationStream:
		return "InvocationStream"
	case KindDecoding:
		return "Decoding"
	case KindEncoding:
		return "Encoding"
	case KindTransport:
		return "Transport"
	case KindContractViolation:
		return "ContractViolation"
	default:
		return "Unknown"
	}
}

// RuntimeError wraps an underlying error with its Kind classification.
type RuntimeError struct {
	Kind Kind
	Err  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func newRuntimeError(kind Kind, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, Err: err}
}

// errorReportFor converts any error into a serialisable ErrorReport. A
// *RuntimeError (matched directly, not through wrapping) gets an
// errorType of its Kind plus the wrapped error's type name; any other
// error gets its own type name.
func errorReportFor(err error) ErrorReport {
	if re, ok := err.(*RuntimeError); ok {
		return ErrorReport{
			ErrorType:    re.Kind.String() + "." + errorTypeName(re.Err),
			ErrorMessage: re.Err.Error(),
		}
	}
	return ErrorReport{
		ErrorType:    errorTypeName(err),
		ErrorMessage: err.Error(),
	}
}

// panicReport converts a recovered panic value into an ErrorReport with
// error_type "Runtime.UnhandledError" and a captured stack trace.
func panicReport(recovered any) ErrorReport {
	msg := fmt.Sprint(recovered)
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)
	frames := strings.Split(strings.TrimRight(string(buf[:n]), "\n"), "\n")

	return ErrorReport{
		ErrorType:    "Runtime.UnhandledError",
		ErrorMessage: msg,
		StackTrace:   frames,
	}
}

// errorTypeName derives a short Go-style type name for an error value,
// following ridgenative's reflect-based getErrorType.
func errorTypeName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}

// marshalErrorReport serialises an ErrorReport; it never fails in
// practice since the struct has no channels or functions.
func marshalErrorReport(r ErrorReport) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return b
}
