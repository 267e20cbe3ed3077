// Package model defines the transport-neutral invocation types shared by the launcher.
package model

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// Transport identifies which invocation envelope produced a request.
// It decides the response header rules applied after proxying.
type Transport int

const (
	// TransportGateway is the API Gateway proxy event shape.
	TransportGateway Transport = iota
	// TransportDirectInvoke is the raw invoke envelope carrying an Action field.
	TransportDirectInvoke
)

func (t Transport) String() string {
	switch t {
	case TransportGateway:
		return "gateway"
	case TransportDirectInvoke:
		return "direct_invoke"
	default:
		return "unknown"
	}
}

// EncodingBase64 is the only encoding tag the launcher emits.
const EncodingBase64 = "base64"

// Header maps lower-cased header names to their values.
// Repeated names keep every value.
type Header map[string][]string

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	if vals := h[strings.ToLower(name)]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

// Set replaces the values for name.
func (h Header) Set(name, value string) {
	h[strings.ToLower(name)] = []string{value}
}

// Add appends a value for name.
func (h Header) Add(name, value string) {
	key := strings.ToLower(name)
	h[key] = append(h[key], value)
}

// Del removes name.
func (h Header) Del(name string) {
	delete(h, strings.ToLower(name))
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, vals := range h {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// Names returns the header names in sorted order.
func (h Header) Names() []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HeaderFromMap builds a Header from canonical net/http style keys.
func HeaderFromMap(src map[string][]string) Header {
	h := make(Header, len(src))
	for k, vals := range src {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	return h
}

// MarshalJSON writes single values as strings and repeated values as lists.
func (h Header) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h))
	for k, vals := range h {
		if len(vals) == 1 {
			out[k] = vals[0]
			continue
		}
		out[k] = vals
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts a scalar or a list of scalars per name. Numbers and
// booleans keep their JSON text ("content-length": 0 becomes "0"); null
// values are dropped; objects are rejected.
func (h *Header) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Header, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		if len(v) > 0 && v[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(v, &items); err != nil {
				return err
			}
			for _, item := range items {
				if err := out.addScalar(k, item); err != nil {
					return err
				}
			}
			continue
		}
		if err := out.addScalar(k, v); err != nil {
			return err
		}
	}
	*h = out
	return nil
}

func (h Header) addScalar(name string, v json.RawMessage) error {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return nil
	}
	switch v[0] {
	case 'n':
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		h.Add(name, s)
	case '{', '[':
		return fmt.Errorf("header %q: unsupported value %s", name, v)
	default:
		h.Add(name, string(v))
	}
	return nil
}

// CanonicalRequest is the normalized form of either invocation envelope.
type CanonicalRequest struct {
	Transport Transport
	Method    string
	// Path is the path as received, before base path stripping.
	Path   string
	Header Header
	// Body is never nil; an absent body is a zero-length slice.
	Body []byte
}

// IsAPIGateway reports whether the request came from the gateway transport.
func (r *CanonicalRequest) IsAPIGateway() bool {
	return r.Transport == TransportGateway
}

// CanonicalResponse is the reply handed back to the invocation transport.
type CanonicalResponse struct {
	StatusCode int    `json:"statusCode"`
	Headers    Header `json:"headers"`
	Body       string `json:"body"`
	Encoding   string `json:"encoding"`
}
