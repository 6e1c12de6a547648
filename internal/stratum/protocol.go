package stratum

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stratum methods
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodSetExtranonce = "set_extranonce"
)

// ProtocolVersion is returned by mining.subscribe
const ProtocolVersion = "EthereumStratum/1.0.0"

// Error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
)

// Error is a protocol error reported to the miner while the connection
// stays open. It travels as [code, message, trace].
type Error struct {
	Code    int
	Message string
	Trace   string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches errors by code so wrapped sentinels compare equal
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// MarshalJSON encodes the error as [code, message, trace|null]
func (e *Error) MarshalJSON() ([]byte, error) {
	var trace any
	if e.Trace != "" {
		trace = e.Trace
	}
	return json.Marshal([]any{e.Code, e.Message, trace})
}

// UnmarshalJSON decodes [code, message, trace|null]
func (e *Error) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("error array has %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Code); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &e.Message); err != nil {
		return err
	}
	e.Trace = ""
	if len(raw) > 2 {
		var trace *string
		if err := json.Unmarshal(raw[2], &trace); err != nil {
			return err
		}
		if trace != nil {
			e.Trace = *trace
		}
	}
	return nil
}

var (
	ErrUnknownMethod      = &Error{Code: ErrorOther, Message: "unknown-method"}
	ErrJobNotFound        = &Error{Code: ErrorJobNotFound, Message: "job-not-found"}
	ErrDuplicateShare     = &Error{Code: ErrorDuplicateShare, Message: "duplicate-share"}
	ErrLowDifficultyShare = &Error{Code: ErrorLowDifficulty, Message: "low-difficulty-share"}
	ErrUnauthorizedWorker = &Error{Code: ErrorUnauthorized, Message: "unauthorized-worker"}
	ErrNotSubscribed      = &Error{Code: ErrorNotSubscribed, Message: "not-subscribed"}
)

// Errors that end the connection after the response is written
var (
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidNonce      = errors.New("invalid nonce")
)

// errMalformed marks input that is closed without a response
var errMalformed = errors.New("malformed request")

// Request is a miner to pool call
type Request struct {
	ID     json.Number `json:"id"`
	Method string      `json:"method"`
	Params []any       `json:"params"`
}

// Response answers a Request. Result and error are always present.
type Response struct {
	ID     json.Number `json:"id"`
	Result any         `json:"result"`
	Error  *Error      `json:"error"`
}

// Event is an unsolicited pool to miner notification
type Event struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type wireRequest struct {
	ID     *json.Number `json:"id"`
	Method *string      `json:"method"`
	Params []any        `json:"params"`
}

// ParseRequest decodes one line. A line that is not an object with a
// numeric id, a string method and a params array is malformed.
func ParseRequest(data []byte) (*Request, error) {
	var wr wireRequest
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if wr.ID == nil || wr.Method == nil || wr.Params == nil {
		return nil, fmt.Errorf("%w: missing id, method or params", errMalformed)
	}
	return &Request{ID: *wr.ID, Method: *wr.Method, Params: wr.Params}, nil
}

// stringParams returns the first n params as strings
func (r *Request) stringParams(n int) ([]string, error) {
	if len(r.Params) < n {
		return nil, fmt.Errorf("%w: %s expects %d params, got %d", errMalformed, r.Method, n, len(r.Params))
	}
	out := make([]string, n)
	for i := range n {
		s, ok := r.Params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s param %d is not a string", errMalformed, r.Method, i)
		}
		out[i] = s
	}
	return out, nil
}

// NewResponse creates a successful response
func NewResponse(id json.Number, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse creates a failed response
func NewErrorResponse(id json.Number, err *Error) *Response {
	return &Response{ID: id, Result: false, Error: err}
}

// NewEvent creates a notification
func NewEvent(method string, params ...any) *Event {
	if params == nil {
		params = []any{}
	}
	return &Event{Method: method, Params: params}
}
