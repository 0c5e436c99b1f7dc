package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Command names accepted before authentication.
const (
	CmdLogin    = "login"
	CmdRegister = "register"
)

// Menu selections accepted after authentication.
const (
	OptHide   = "1"
	OptDecode = "2"
	OptAsk    = "3"
	OptStats  = "4"
	OptLogout = "5"
)

// Cancel backs out of a carrier selection.
const Cancel = "0"

// Ack is the token a client sends before each extracted blob is transmitted.
const Ack = "ACK"

// Menu is the text presented to an authenticated client on every loop.
const Menu = "1. Hide data in media\n" +
	"2. Decode hidden data\n" +
	"3. Ask assistant\n" +
	"4. Statistics\n" +
	"5. Logout"

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the JSON body of a pre-authentication command.
type Request struct {
	Command  string `json:"command"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Response is the JSON body of every structured server reply.
type Response struct {
	Status       string `json:"status"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	Count        int    `json:"count,omitempty"`
	Artifact     string `json:"artifact,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// OK reports whether the response signals success.
func (r Response) OK() bool { return r.Status == StatusOK }

// Err converts an error response back into an error wrapping the matching
// sentinel, or nil for a successful response.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	if sentinel := ErrorFromCode(r.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, r.Message)
	}
	return fmt.Errorf("server: %s", r.Message)
}

// ErrorResponse builds the response sent to the client for err.
func ErrorResponse(err error) Response {
	return Response{Status: StatusError, Code: Code(err), Message: err.Error()}
}

func MarshalRequest(r Request) ([]byte, error) { return json.Marshal(r) }

func UnmarshalRequest(b []byte) (Request, error) {
	var r Request
	return r, json.Unmarshal(b, &r)
}

func MarshalResponse(r Response) ([]byte, error) { return json.Marshal(r) }

func UnmarshalResponse(b []byte) (Response, error) {
	var r Response
	return r, json.Unmarshal(b, &r)
}

// FormatSize encodes a declared transfer size.
func FormatSize(n int) []byte { return []byte(strconv.Itoa(n)) }

// ParseSize decodes a declared transfer size. Negative sizes and sizes above
// limit are rejected.
func ParseSize(b []byte, limit int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", b, err)
	}
	if n < 0 || n > limit {
		return 0, fmt.Errorf("size %d out of range", n)
	}
	return n, nil
}
