/*
Package errors provides the error package for the Gridstore client. It wraps all errors the client
generates. No error should be created that doesn't come from this package. This borrows heavily from
the Upspin errors paper written by Rob Pike.
See: https://commandcenter.blogspot.com/2017/12/error-handling-in-upspin.html
Key differences are that we support wrapped errors and the 1.13 Unwrap/Is/As additions to the go
stdlib errors package and this is tailored for Gridstore and not Upspin.

Usage is simply to pass an Op, a Kind, and either a standard error to be wrapped or a string that
will become a string error.
*/
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Separator is the string used to separate nested errors. By
// default, to make errors easier on the eye, nested errors are
// indented on a new line. A server may instead choose to keep each
// error on a single line by modifying the separator string, perhaps
// to ":: ".
var Separator = ":\n\t"

// Op field denotes the operation being performed.
type Op uint16

const (
	// OpUnknown indicates that the operation that caused the problem is unknown.
	OpUnknown Op = 0
	// OpMgmt indicates that a management call to the service is being made.
	OpMgmt Op = 1
	// OpIngestFile indicates that an ingestion from a local file is being made.
	OpIngestFile Op = 2
	// OpIngestReader indicates that an ingestion from an io.Reader is being made.
	OpIngestReader Op = 3
	// OpIngestBlob indicates that an ingestion from an existing blob is being made.
	OpIngestBlob Op = 4
	// OpResources indicates that the client is refreshing its ingestion resources.
	OpResources Op = 5
	// OpStatus indicates that an ingestion status lookup is being made.
	OpStatus Op = 6
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpMgmt:
		return "OpMgmt"
	case OpIngestFile:
		return "OpIngestFile"
	case OpIngestReader:
		return "OpIngestReader"
	case OpIngestBlob:
		return "OpIngestBlob"
	case OpResources:
		return "OpResources"
	case OpStatus:
		return "OpStatus"
	}
	return "OpUnknown"
}

// Kind field classifies the error as one of a set of standard conditions.
type Kind uint16

const (
	// KOther indicates the error kind was not defined.
	KOther Kind = 0
	// KIO indicates an external I/O error such as a network failure.
	KIO Kind = 1
	// KInternal indicates an internal error or inconsistency at the client.
	KInternal Kind = 2
	// KClientArgs indicates the caller supplied arguments that were invalid. Never retryable.
	KClientArgs Kind = 3
	// KLocalFileSystem indicates a local source file could not be found or read.
	KLocalFileSystem Kind = 4
	// KNoResource indicates the service assigned zero endpoints of a required resource kind.
	KNoResource Kind = 5
	// KDiscovery indicates the resource discovery call to the service failed.
	KDiscovery Kind = 6
	// KDelivery indicates the payload was staged but the ingestion notification was not delivered.
	KDelivery Kind = 7
	// KUnsupportedReportMethod indicates a status lookup for a report method that does not support it.
	KUnsupportedReportMethod Kind = 8
	// KBlobstore indicates an error from the blob storage or queue service.
	KBlobstore Kind = 9
	// KHTTPError indicates the HTTP client gave some type of error.
	KHTTPError Kind = 10
	// KTimeout indicates the request timed out.
	KTimeout Kind = 11
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KIO:
		return "KIO"
	case KInternal:
		return "KInternal"
	case KClientArgs:
		return "KClientArgs"
	case KLocalFileSystem:
		return "KLocalFileSystem"
	case KNoResource:
		return "KNoResource"
	case KDiscovery:
		return "KDiscovery"
	case KDelivery:
		return "KDelivery"
	case KUnsupportedReportMethod:
		return "KUnsupportedReportMethod"
	case KBlobstore:
		return "KBlobstore"
	case KHTTPError:
		return "KHTTPError"
	case KTimeout:
		return "KTimeout"
	}
	return "KOther"
}

// Error is the core error for the client.
type Error struct {
	// Op is the operation that the client was trying to perform.
	Op Op
	// Kind is the error code we identify the error as.
	Kind Kind
	// Err is the wrapped internal error message. This may be of any error
	// type and may also wrap errors.
	Err error

	inner     *Error
	permanent bool
}

// Unwrap implements "interface {Unwrap() error}" as defined internally by the go stdlib errors package.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.inner == nil {
		return e.Err
	}
	return e.inner
}

// SetNoRetry sets the error to never allow retries. Returns the error for chaining.
func (e *Error) SetNoRetry() *Error {
	e.permanent = true
	return e
}

// pad appends str to the buffer if the buffer already has some data.
func pad(b *strings.Builder, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(strings.Builder)
	if e.Op != OpUnknown {
		pad(b, ": ")
		b.WriteString(fmt.Sprintf("Op(%s)", e.Op.String()))
	}
	if e.Kind != KOther {
		pad(b, ": ")
		b.WriteString(fmt.Sprintf("Kind(%s)", e.Kind.String()))
	}

	if e.Err != nil {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
	var inner = e.inner
	for {
		if inner == nil {
			break
		}
		pad(b, Separator)
		b.WriteString(inner.Err.Error())
		inner = inner.inner
	}

	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// E constructs an Error. You may pass in an Op, Kind and error. This will strip an *Error if you
// pass it of its Kind and Op and put it in here. It will wrap a non-*Error implementation of error.
// If you want to wrap the *Error in an *Error, use W(). If you pass a nil error, it panics.
func E(o Op, k Kind, err error) *Error {
	if err == nil {
		panic("cannot pass a nil error")
	}
	return e(o, k, err)
}

// ES constructs an Error. You may pass in an Op, Kind, string and args to the string (like fmt.Sprintf).
// If the result of strings.TrimSpace(s+args) == "", it panics.
func ES(o Op, k Kind, s string, args ...interface{}) *Error {
	str := fmt.Sprintf(s, args...)
	if strings.TrimSpace(str) == "" {
		panic("errors.ES() cannot have an empty string error")
	}
	return e(o, k, str)
}

// e constructs an Error from a mix of Op, Kind, string or error arguments.
func e(args ...interface{}) *Error {
	if len(args) == 0 {
		panic("call to errors.e with no arguments")
	}
	err := &Error{}

	for _, arg := range args {
		switch arg := arg.(type) {
		case Op:
			err.Op = arg
		case Kind:
			err.Kind = arg
		case string:
			err.Err = errors.New(arg)
		case *Error:
			// Make a copy
			cp := *arg
			err.Err = cp.Err
		case error:
			err.Err = arg
		default:
			err.Err = fmt.Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}

	return err
}

// W wraps error outer around inner. Both must be of type *Error or this will panic.
func W(inner error, outer error) *Error {
	o, ok := outer.(*Error)
	if !ok {
		panic("W() got an outer error that was not of type *Error")
	}
	i, ok := inner.(*Error)
	if !ok {
		panic("W() got an inner error that was not of type *Error")
	}

	o.inner = i
	return o
}

// GetKind returns the Kind of err if it is an *Error anywhere in its chain, or KOther.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KOther
}

// Retry returns whether the error is retryable. Client argument errors and errors explicitly
// marked with SetNoRetry() are permanent; everything else is assumed to be operational and
// therefore retryable by the caller.
func Retry(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.permanent {
		return false
	}
	switch e.Kind {
	case KClientArgs, KUnsupportedReportMethod:
		return false
	}
	return true
}

// HTTP constructs an *Error from an HTTP response.
func HTTP(o Op, status string, statusCode int, body string, msg string) *Error {
	k := KHTTPError
	if statusCode == 408 {
		k = KTimeout
	}
	return ES(o, k, "%s(%s): %s", msg, status, body)
}
