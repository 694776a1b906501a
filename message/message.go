// Package message defines the messages exchanged between a remote proxy and a server.
//
// A RequestMessage is created once by the caller and never mutated after it was sent.
// A ResponseMessage correlates to its request through the TransactionID; it is either
// built by the service implementation or synthesized on timeout / transport failure.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StatusServiceName is the name under which every server exposes its built-in status service.
const StatusServiceName = "StatusService"

// Message is implemented by every message that can travel over a wire channel.
type Message interface {
	ID() uuid.UUID
}

// Payload holds serialized JSON (request parameters or a response value).
// It is embedded verbatim when the surrounding message is itself JSON encoded.
type Payload []byte

// NewPayload serializes v as JSON.
func NewPayload(v any) (Payload, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(b), nil
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if len(p) == 0 {
		return nil
	}
	return json.Unmarshal(p, v)
}

func (p Payload) String() string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	*p = append((*p)[0:0], data...)
	return nil
}

// AppCaller describes who issued a call. It travels with the request so the server
// can build cache keys, counters and diagnostics without any ambient state.
type AppCaller struct {
	AppName     string `json:"app_name,omitempty"`
	HostName    string `json:"host_name,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	MethodName  string `json:"method_name,omitempty"`
	Parameters  string `json:"parameters,omitempty"`
}

// RequestMessage carries one call.
//
//   - CacheTime is in seconds, values <= 0 disable caching for the call.
//   - InvokeMethod marks a dynamic invocation (JSON in, JSON out) as opposed to a typed call.
type RequestMessage struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ServiceName   string    `json:"service_name"`
	MethodName    string    `json:"method_name"`
	Parameters    Payload   `json:"parameters,omitempty"`
	CacheTime     int       `json:"cache_time,omitempty"`
	InvokeMethod  bool      `json:"invoke_method,omitempty"`
	Caller        AppCaller `json:"caller"`
}

// NewRequest creates a request with a fresh transaction id. The caller description
// defaults to the target service and method.
func NewRequest(serviceName, methodName string, params Payload) *RequestMessage {
	return &RequestMessage{
		TransactionID: uuid.New(),
		ServiceName:   serviceName,
		MethodName:    methodName,
		Parameters:    params,
		Caller: AppCaller{
			ServiceName: serviceName,
			MethodName:  methodName,
			Parameters:  params.String(),
		},
	}
}

func (r *RequestMessage) ID() uuid.UUID {
	return r.TransactionID
}

// ServiceMethod returns "Service.Method".
func (r *RequestMessage) ServiceMethod() string {
	return r.ServiceName + "." + r.MethodName
}

// ResponseMessage is the result of one call.
type ResponseMessage struct {
	TransactionID uuid.UUID    `json:"transaction_id"`
	ServiceName   string       `json:"service_name"`
	MethodName    string       `json:"method_name"`
	Parameters    Payload      `json:"parameters,omitempty"`
	Value         Payload      `json:"value,omitempty"`
	Error         *RemoteError `json:"error,omitempty"`
	ElapsedTime   int64        `json:"elapsed_time"` // milliseconds
	Count         int          `json:"count"`        // number of result items
}

// NewResponse builds a successful response for req.
func NewResponse(req *RequestMessage, value Payload, count int) *ResponseMessage {
	return &ResponseMessage{
		TransactionID: req.TransactionID,
		ServiceName:   req.ServiceName,
		MethodName:    req.MethodName,
		Parameters:    req.Parameters,
		Value:         value,
		Count:         count,
	}
}

// NewErrorResponse builds a failed response for req.
func NewErrorResponse(req *RequestMessage, err error) *ResponseMessage {
	return &ResponseMessage{
		TransactionID: req.TransactionID,
		ServiceName:   req.ServiceName,
		MethodName:    req.MethodName,
		Parameters:    req.Parameters,
		Error:         FromError(err),
	}
}

func (r *ResponseMessage) ID() uuid.UUID {
	return r.TransactionID
}

// IsError reports whether the call failed.
func (r *ResponseMessage) IsError() bool {
	return r.Error != nil
}

// Err returns the response error or nil.
func (r *ResponseMessage) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Elapsed returns ElapsedTime as a duration.
func (r *ResponseMessage) Elapsed() time.Duration {
	return time.Duration(r.ElapsedTime) * time.Millisecond
}

// Rewrap returns a copy of r bound to the transaction of req. Cached responses are
// always handed out through Rewrap so a stale transaction id never leaks.
func (r *ResponseMessage) Rewrap(req *RequestMessage) *ResponseMessage {
	return &ResponseMessage{
		TransactionID: req.TransactionID,
		ServiceName:   r.ServiceName,
		MethodName:    r.MethodName,
		Parameters:    r.Parameters,
		Value:         r.Value,
		Error:         r.Error,
		ElapsedTime:   r.ElapsedTime,
		Count:         r.Count,
	}
}
