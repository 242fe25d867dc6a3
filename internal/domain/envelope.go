package domain

import (
	"bytes"
	"encoding/json"
)

// ResponseMetadata is the header block every enveloped REST response
// carries. Field names match the wire format exactly.
type ResponseMetadata struct {
	RequestID string `json:"RequestId"`
	TraceID   string `json:"TraceID"`
	Action    string `json:"Action"`
	Version   string `json:"Version"`
	Source    string `json:"Source"`
	Region    string `json:"Region"`
	WID       string `json:"WID"`
	OID       string `json:"OID"`
}

// Envelope is the `{ResponseMetadata, Result}` shape of REST responses.
// Result is kept raw so each service decodes its own payload; bodies
// that are not envelope-shaped land verbatim in Result, which keeps the
// client forward compatible with unenveloped or evolving endpoints.
type Envelope struct {
	ResponseMetadata ResponseMetadata `json:"ResponseMetadata"`
	Result           json.RawMessage  `json:"Result"`
}

// ParseEnvelope decodes a response body. A body without the envelope
// wrapper is preserved as-is in Result with empty metadata.
func ParseEnvelope(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &Envelope{}, nil
	}

	var env Envelope
	if bytes.HasPrefix(trimmed, []byte("{")) {
		var probe struct {
			ResponseMetadata *ResponseMetadata `json:"ResponseMetadata"`
			Result           json.RawMessage   `json:"Result"`
		}
		if err := json.Unmarshal(trimmed, &probe); err == nil && probe.ResponseMetadata != nil {
			env.ResponseMetadata = *probe.ResponseMetadata
			env.Result = probe.Result
			return &env, nil
		}
	}

	if !json.Valid(trimmed) {
		return nil, &APIError{Message: "malformed response body"}
	}
	env.Result = json.RawMessage(trimmed)
	return &env, nil
}

// Decode unmarshals the Result payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Result) == 0 {
		return nil
	}
	return json.Unmarshal(e.Result, v)
}

// errorBody is the shape error responses use for their diagnostics.
type errorBody struct {
	Code      string `json:"code"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	ErrMsg    string `json:"error"`
	RequestID string `json:"request_id"`
}

// ParseAPIError builds an APIError from a non-2xx response body,
// pulling the error code, message and request id out of whichever of
// the known field spellings the server used.
func ParseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		apiErr.ErrorCode = eb.ErrorCode
		if apiErr.ErrorCode == "" {
			apiErr.ErrorCode = eb.Code
		}
		apiErr.Message = eb.Message
		if apiErr.Message == "" {
			apiErr.Message = eb.ErrMsg
		}
		apiErr.RequestID = eb.RequestID
	}

	if env, err := ParseEnvelope(body); err == nil {
		if apiErr.RequestID == "" {
			apiErr.RequestID = env.ResponseMetadata.RequestID
		}
		if apiErr.Message == "" && len(env.Result) > 0 {
			var inner errorBody
			if json.Unmarshal(env.Result, &inner) == nil {
				if apiErr.ErrorCode == "" {
					apiErr.ErrorCode = inner.ErrorCode
				}
				apiErr.Message = inner.Message
			}
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(body))
	}
	return apiErr
}
