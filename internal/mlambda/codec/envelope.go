// Package codec implements the codable adapter: it wraps a typed
// handler behind the byte-level buffered or streaming contract, and
// understands the HTTP-proxy request envelopes (Function URL, API
// Gateway) that wrap the real event when an invocation arrived through
// one of those services.
package codec

import "encoding/json"

// functionURLEnvelope is the event shape Lambda Function URLs deliver.
// https://docs.aws.amazon.com/lambda/latest/dg/urls-invocation.html
type functionURLEnvelope struct {
	Version         string `json:"version"`
	Body            string `json:"body"`
	IsBase64Encoded bool   `json:"isBase64Encoded"`
	RequestContext  struct {
		DomainName string `json:"domainName"`
		Http       struct {
			Method string `json:"method"`
		} `json:"http"`
	} `json:"requestContext"`
}

func (e functionURLEnvelope) isEnvelope() bool {
	return e.Version != "" && e.RequestContext.DomainName != ""
}

// apiGatewayEnvelope is the REST API (v1) proxy integration shape,
// recognised by the httpMethod and requestContext.requestId fields that
// a raw user payload would not carry. HTTP API (v2) events have no
// top-level httpMethod; they share the Function URL shape and are
// matched by functionURLEnvelope first.
// https://docs.aws.amazon.com/apigateway/latest/developerguide/set-up-lambda-proxy-integrations.html
type apiGatewayEnvelope struct {
	Resource        string `json:"resource"`
	HTTPMethod      string `json:"httpMethod"`
	Body            string `json:"body"`
	IsBase64Encoded bool   `json:"isBase64Encoded"`
	RequestContext  struct {
		RequestID string `json:"requestId"`
	} `json:"requestContext"`
}

func (e apiGatewayEnvelope) isEnvelope() bool {
	return e.HTTPMethod != "" && e.RequestContext.RequestID != ""
}

// DecodeEvent tries the Function-URL envelope, then the API-Gateway
// envelope, then falls back to decoding raw directly as T. The order is
// a contract user code relies on and must not be reordered.
func DecodeEvent[T any](raw []byte) (T, error) {
	var zero T

	var fu functionURLEnvelope
	if err := json.Unmarshal(raw, &fu); err == nil && fu.isEnvelope() {
		return decodeBody[T](fu.Body, fu.IsBase64Encoded)
	}

	var apigw apiGatewayEnvelope
	if err := json.Unmarshal(raw, &apigw); err == nil && apigw.isEnvelope() {
		return decodeBody[T](apigw.Body, apigw.IsBase64Encoded)
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}
