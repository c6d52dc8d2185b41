/*
Package quikrpc contains a set of types used for talking to the QUIK terminal
through the quik-lua-rpc bridge. It defines the request/reply wire envelope,
reply decoding helpers and the error taxonomy shared by the client packages.
*/
package quikrpc

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

type (
	// Request represents a bridge RPC request. Args can be anything as long
	// as it marshals to the JSON object expected by the method implementation
	// on the Lua side; nil args are omitted from the envelope entirely.
	Request struct {
		Method string `json:"method"`
		Args   any    `json:"args,omitempty"`
	}

	// Response represents a raw bridge RPC reply. Exactly one of Result and
	// Error is expected to be set. A present Result may still carry a
	// failure, see resultHeader.
	Response struct {
		Result json.RawMessage `json:"result,omitempty"`
		Error  json.RawMessage `json:"error,omitempty"`
	}
)

// resultHeader is the part of a result object inspected to tell successful
// replies from structured rejections.
type resultHeader struct {
	IsError bool `json:"is_error"`
}

// DecodeReply parses raw reply bytes into a Response. The terminal is known
// to emit a mix of UTF-8 and CP1251 payloads (error messages come in the
// terminal's locale), so bytes that don't form valid UTF-8 are transcoded
// from Windows-1251 first.
func DecodeReply(data []byte) (*Response, error) {
	if !utf8.Valid(data) {
		var err error
		data, err = charmap.Windows1251.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("transcoding reply: %w", err)
		}
	}
	resp := new(Response)
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, fmt.Errorf("unmarshalling reply: %w", err)
	}
	return resp, nil
}

// Unwrap returns the result payload of a successful reply. A reply missing
// the result field or carrying a result with is_error set is a server-side
// rejection and comes back as *Error.
func (r *Response) Unwrap(method string) (json.RawMessage, error) {
	if r.Result == nil {
		return nil, &Error{Method: method, Reply: r.Error}
	}
	var hdr resultHeader
	// Result can legally be a bare scalar, those never carry is_error.
	_ = json.Unmarshal(r.Result, &hdr)
	if hdr.IsError {
		return nil, &Error{Method: method, Reply: r.Result}
	}
	return r.Result, nil
}
