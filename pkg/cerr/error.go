package cerr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"

	"github.com/planproof/planproof/pkg/clog"
)

type Error struct {
	Code  Code
	Msg   string // message returned to the user alongside the Code
	Err   error  // underlying error kept for logs
	Stack string // stack trace, captured for error-level codes only
}

func NewError(code Code, msg string, underlying error) *Error {
	err := &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
	if clog.HTTPStatusToLevel(code.HTTPCode()) == clog.LevelError {
		stackTrace := make([]byte, 2048)
		n := runtime.Stack(stackTrace, false)
		err.Stack = string(stackTrace[0:n])
	}
	return err
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code.String(), e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code.String(), e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsCode(err error, code Code) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// CodeOf extracts the Code from an error chain, or Unknown if none is present.
func CodeOf(err error) Code {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return Unknown
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeHTTPError converts a non-2xx REST response body into an *Error. The
// backend's `{code, message}` JSON shape is used when present; anything else
// falls back to the status-mapped code with the raw body as the message.
func DecodeHTTPError(status int, body []byte) *Error {
	code := FromHTTPStatus(status)
	var payload httpError
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return NewError(code, payload.Message, nil)
	}
	msg := http.StatusText(status)
	if len(body) > 0 && len(body) <= 512 {
		msg = string(bytes.TrimSpace(body))
	}
	return NewError(code, msg, nil)
}

// ExtractHTTPResponse writes a success payload or an error as a JSON
// response, translating cancellations and unknown errors to coded responses.
func ExtractHTTPResponse(ctx context.Context, rw http.ResponseWriter, response any, err error) {
	if err == nil {
		writeJSON(ctx, rw, response)
		return
	}
	if errors.Is(err, context.Canceled) {
		WriteJSONError(ctx, rw, NewError(Canceled, "connection closed", err))
		return
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.Err == "operation was canceled" {
		WriteJSONError(ctx, rw, NewError(Canceled, "connection closed", err))
		return
	}

	clog.AddError(ctx, err)
	var cErr *Error
	if errors.As(err, &cErr) {
		if cErr.Stack != "" {
			clog.AddStack(ctx, cErr.Stack)
		}
		WriteJSONError(ctx, rw, cErr)
		return
	}
	WriteJSONError(ctx, rw, NewError(Unknown, "unknown error", err))
}

func writeJSON(ctx context.Context, rw http.ResponseWriter, response any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(response); err != nil {
		WriteJSONError(ctx, rw, NewError(Internal, "server error", err))
		return
	}
	if _, err := rw.Write(buf.Bytes()); err != nil {
		clog.AddError(ctx, NewError(Internal, "server error", err))
	}
}

func WriteJSONError(ctx context.Context, rw http.ResponseWriter, origErr *Error) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(origErr.Code.HTTPCode())
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(httpError{Code: origErr.Code.String(), Message: origErr.Msg}); err != nil {
		buf = bytes.NewBufferString(`{"code":"internal","message":"server error"}`)
		origErr.Err = errors.Join(origErr.Err, err)
		clog.AddError(ctx, origErr)
	}
	if _, err := rw.Write(buf.Bytes()); err != nil {
		origErr.Err = errors.Join(origErr.Err, err)
		clog.AddError(ctx, origErr)
	}
}
