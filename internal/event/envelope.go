// Package event decodes invocation envelopes and normalizes them into canonical requests.
package event

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
	json "github.com/goccy/go-json"

	"serverless-launcher/internal/model"
)

// ActionInvoke is the only Action value a direct invoke envelope may carry.
const ActionInvoke = "Invoke"

// actionKey is the top-level key that marks a direct invoke envelope.
const actionKey = "Action"

// ErrMalformedEnvelope wraps JSON and base64 decoding failures.
var ErrMalformedEnvelope = errors.New("malformed invocation envelope")

// UnsupportedActionError is returned for a direct invoke envelope whose Action is not "Invoke".
type UnsupportedActionError struct {
	Action string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("unexpected event action %q", e.Action)
}

// UnsupportedEncodingError is returned when the inner body encoding is neither "base64" nor absent.
type UnsupportedEncodingError struct {
	Encoding string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("unsupported body encoding %q", e.Encoding)
}

// Kind names the envelope variant.
type Kind int

const (
	KindGateway Kind = iota
	KindDirectInvoke
)

// DirectInvokeEvent is the raw invoke envelope. Body holds a JSON document
// describing the HTTP request.
type DirectInvokeEvent struct {
	Action string `json:"Action"`
	Body   string `json:"body"`
}

// directInvokeRequest is the document carried in DirectInvokeEvent.Body.
// Its "encoding" member is read by bodyEncoding, which tells an explicit
// null apart from an absent key.
type directInvokeRequest struct {
	Method  string       `json:"method"`
	Path    string       `json:"path"`
	Headers model.Header `json:"headers"`
	Body    *string      `json:"body"`
}

// Envelope is one decoded invocation event. Exactly one of Direct and
// Gateway is set, matching Kind.
//
// The variant is chosen by probing for a top-level "Action" key: present
// means a direct invoke, absent means an API Gateway proxy event. Neither
// shape carries an explicit tag, so the probe is the discriminator.
type Envelope struct {
	Kind    Kind
	Direct  *DirectInvokeEvent
	Gateway *events.APIGatewayProxyRequest
}

// UnmarshalJSON decodes the envelope and selects its variant.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if _, ok := probe[actionKey]; ok {
		var d DirectInvokeEvent
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("%w: direct invoke: %v", ErrMalformedEnvelope, err)
		}
		*e = Envelope{Kind: KindDirectInvoke, Direct: &d}
		return nil
	}

	var g events.APIGatewayProxyRequest
	if err := json.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("%w: gateway: %v", ErrMalformedEnvelope, err)
	}
	*e = Envelope{Kind: KindGateway, Gateway: &g}
	return nil
}

// Decode parses a raw envelope.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := env.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return &env, nil
}

// Normalize decodes raw and returns its canonical request.
func Normalize(raw []byte) (*model.CanonicalRequest, error) {
	env, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return env.Normalize()
}

// Normalize converts the envelope into a canonical request. It has no side
// effects and returns equal results for equal envelopes.
func (e *Envelope) Normalize() (*model.CanonicalRequest, error) {
	switch {
	case e.Kind == KindDirectInvoke && e.Direct != nil:
		return normalizeDirectInvoke(e.Direct)
	case e.Kind == KindGateway && e.Gateway != nil:
		return normalizeGateway(e.Gateway)
	default:
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformedEnvelope)
	}
}

func normalizeDirectInvoke(ev *DirectInvokeEvent) (*model.CanonicalRequest, error) {
	if ev.Action != ActionInvoke {
		return nil, &UnsupportedActionError{Action: ev.Action}
	}

	var inner directInvokeRequest
	if err := json.Unmarshal([]byte(ev.Body), &inner); err != nil {
		return nil, fmt.Errorf("%w: direct invoke body: %v", ErrMalformedEnvelope, err)
	}

	body := []byte{}
	if inner.Body != nil && *inner.Body != "" {
		encoding, present, err := bodyEncoding(ev.Body)
		if err != nil {
			return nil, err
		}
		switch {
		case !present:
			body = []byte(*inner.Body)
		case encoding == model.EncodingBase64:
			decoded, err := base64.StdEncoding.DecodeString(*inner.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: base64 body: %v", ErrMalformedEnvelope, err)
			}
			body = decoded
		default:
			return nil, &UnsupportedEncodingError{Encoding: encoding}
		}
	}

	header := inner.Headers
	if header == nil {
		header = model.Header{}
	}

	return &model.CanonicalRequest{
		Transport: model.TransportDirectInvoke,
		Method:    inner.Method,
		Path:      inner.Path,
		Header:    header,
		Body:      body,
	}, nil
}

// bodyEncoding reports the "encoding" member of a direct invoke document and
// whether the key is present at all. Non-string values, null included, are
// returned as their JSON text.
func bodyEncoding(doc string) (string, bool, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &members); err != nil {
		return "", false, fmt.Errorf("%w: direct invoke body: %v", ErrMalformedEnvelope, err)
	}
	raw, ok := members["encoding"]
	if !ok {
		return "", false, nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "null", true, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, fmt.Errorf("%w: encoding: %v", ErrMalformedEnvelope, err)
		}
		return s, true, nil
	}
	return string(raw), true, nil
}

func normalizeGateway(ev *events.APIGatewayProxyRequest) (*model.CanonicalRequest, error) {
	body := []byte{}
	if ev.Body != "" {
		if ev.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(ev.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: base64 body: %v", ErrMalformedEnvelope, err)
			}
			body = decoded
		} else {
			body = []byte(ev.Body)
		}
	}

	header := model.Header{}
	for k, v := range ev.Headers {
		header.Set(k, v)
	}
	for k, vals := range ev.MultiValueHeaders {
		header.Del(k)
		for _, v := range vals {
			header.Add(k, v)
		}
	}

	return &model.CanonicalRequest{
		Transport: model.TransportGateway,
		Method:    ev.HTTPMethod,
		Path:      ev.Path + gatewayQuery(ev),
		Header:    header,
		Body:      body,
	}, nil
}

// gatewayQuery rebuilds the query string the gateway split out of the path.
func gatewayQuery(ev *events.APIGatewayProxyRequest) string {
	q := url.Values{}
	for k, v := range ev.QueryStringParameters {
		q.Set(k, v)
	}
	for k, vals := range ev.MultiValueQueryStringParameters {
		q[k] = append([]string(nil), vals...)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
