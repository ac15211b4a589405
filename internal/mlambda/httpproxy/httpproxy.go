// Package httpproxy adapts a standard net/http.Handler into a
// mlambda.StreamingHandler that speaks the API Gateway v2 / Function
// URL HTTP-proxy integration shape: the inbound event is a proxy
// request envelope, and the outbound body is a self-describing JSON
// document ({"isBase64Encoded":true,"statusCode":...,
// "multiValueHeaders":...,"body":...}, plus "cookies" when Set-Cookie
// headers are present) with the real response body base64-streamed
// into its "body" string field.
//
package httpproxy

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/aws-samples/go-custom-lambda-runtime/internal/mlambda"
)

// Handler adapts h into a mlambda.StreamingHandler.
//
// https://docs.aws.amazon.com/apigateway/latest/developerguide/http-api-develop-integrations-lambda.html
func Handler(h http.Handler) mlambda.StreamingHandler {
	return mlambda.StreamingHandlerFunc(func(ctx *mlambda.Context, w *mlambda.Writer, event []byte) error {
		var proxyRequest proxyRequest
		if err := jsonv2.Unmarshal(event, &proxyRequest); err != nil {
			return fmt.Errorf("decode proxy request: %w", err)
		}

		body := []byte(proxyRequest.Body)
		if proxyRequest.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(proxyRequest.Body)
			if err != nil {
				return fmt.Errorf("decode base64 proxy body: %w", err)
			}
			body = decoded
		}

		httpReq, err := buildHTTPRequest(ctx, proxyRequest, body)
		if err != nil {
			return err
		}

		rw := &responseWriter{w: w, header: http.Header{}}
		h.ServeHTTP(rw, httpReq)
		return rw.finish()
	})
}

func buildHTTPRequest(ctx *mlambda.Context, proxyRequest proxyRequest, body []byte) (*http.Request, error) {
	var httpReq http.Request
	httpReq.Header = http.Header{}
	httpReq.Body = io.NopCloser(bytes.NewReader(body))

	urlStr := proxyRequest.RawPath
	if proxyRequest.RawQueryString != "" {
		urlStr = urlStr + "?" + proxyRequest.RawQueryString
	}
	if urlStr != "" {
		parsedURL, err := url.ParseRequestURI(urlStr)
		if err != nil {
			return nil, fmt.Errorf("parsing rawPath/rawQueryString: %w", err)
		}
		httpReq.URL = parsedURL
		httpReq.RequestURI = urlStr
	} else {
		httpReq.URL = &url.URL{}
	}

	if cookieStr := strings.Join(proxyRequest.Cookies, "; "); cookieStr != "" {
		httpReq.Header.Set("Cookie", cookieStr)
	}
	httpReq.Header.Set("User-Agent", proxyRequest.RequestContext.Http.UserAgent)
	// Lambda concatenates multi-value headers; we do not try to un-concat them.
	for k, v := range proxyRequest.Headers {
		httpReq.Header.Set(k, v)
	}

	httpReq.Host = proxyRequest.RequestContext.DomainName
	httpReq.Method = proxyRequest.RequestContext.Http.Method
	httpReq.Proto = proxyRequest.RequestContext.Http.Protocol

	return httpReq.WithContext(ctx), nil
}

type proxyRequest struct {
	Version               string              `json:"version"`
	RouteKey              string              `json:"routeKey"`
	RawPath               string              `json:"rawPath"`
	RawQueryString        string              `json:"rawQueryString"`
	Cookies               []string            `json:"cookies"`
	Headers               map[string]string   `json:"headers"`
	QueryStringParameters map[string]string   `json:"queryStringParameters"`
	RequestContext        proxyRequestContext `json:"requestContext"`
	Body                  string              `json:"body"`
	PathParameters        map[string]string   `json:"pathParameters"`
	IsBase64Encoded       bool                `json:"isBase64Encoded"`
	StageVariables        map[string]string   `json:"stageVariables"`
}

type proxyRequestContext struct {
	AccountID      string          `json:"accountId"`
	ApiID          string          `json:"apiId"`
	Authentication json.RawMessage `json:"authentication"`
	Authorizer     json.RawMessage `json:"authorizer"`
	DomainName     string          `json:"domainName"`
	DomainPrefix   string          `json:"domainPrefix"`
	Http           struct {
		Method    string `json:"method"`
		Path      string `json:"path"`
		Protocol  string `json:"protocol"`
		SourceIP  string `json:"sourceIp"`
		UserAgent string `json:"userAgent"`
	} `json:"http"`
	RequestID string `json:"requestId"`
	RouteKey  string `json:"routeKey"`
	Stage     string `json:"stage"`
	Time      string `json:"time"`
	TimeEpoch int64  `json:"timeEpoch"`
}

// responseWriter implements http.ResponseWriter over a mlambda.Writer,
// streaming a self-describing JSON envelope whose "body" field is
// base64-encoded as bytes arrive.
type responseWriter struct {
	mu          sync.Mutex
	w           *mlambda.Writer
	body        io.WriteCloser
	sentHeaders bool
	header      http.Header
}

func (r *responseWriter) Header() http.Header {
	return r.header
}

func (r *responseWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendHeaders(http.StatusOK)
	return r.body.Write(p)
}

func (r *responseWriter) WriteHeader(statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendHeaders(statusCode)
}

func (r *responseWriter) sendHeaders(statusCode int) {
	if r.sentHeaders {
		return
	}
	r.sentHeaders = true

	var dst []byte
	dst = append(dst, '{')

	dst, _ = jsontext.AppendQuote(dst, "isBase64Encoded")
	dst = append(dst, ':')
	dst = append(dst, []byte(jsontext.Bool(true).String())...)
	dst = append(dst, ',')

	dst, _ = jsontext.AppendQuote(dst, "statusCode")
	dst = append(dst, ':')
	dst = append(dst, []byte(jsontext.Int(int64(statusCode)).String())...)
	dst = append(dst, ',')

	cookies := r.header.Values("Set-Cookie")
	r.header.Del("Set-Cookie")
	if len(cookies) > 0 {
		dst, _ = jsontext.AppendQuote(dst, "cookies")
		dst = append(dst, []byte(":[")...)
		for i, c := range cookies {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst, _ = jsontext.AppendQuote(dst, c)
		}
		dst = append(dst, []byte("],")...)
	}

	if len(r.header) > 0 {
		dst, _ = jsontext.AppendQuote(dst, "multiValueHeaders")
		dst = append(dst, []byte(":{")...)
		var needsComma bool
		for k, vs := range r.header {
			if needsComma {
				dst = append(dst, ',')
			}
			needsComma = true
			dst, _ = jsontext.AppendQuote(dst, k)
			dst = append(dst, []byte(":[")...)
			for i, v := range vs {
				if i > 0 {
					dst = append(dst, ',')
				}
				dst, _ = jsontext.AppendQuote(dst, v)
			}
			dst = append(dst, ']')
		}
		dst = append(dst, []byte("},")...)
	}

	dst, _ = jsontext.AppendQuote(dst, "body")
	dst = append(dst, []byte(":\"")...)

	_, _ = r.w.Write(dst)
	r.body = base64.NewEncoder(base64.StdEncoding, writerFunc(r.w.Write))
}

func (r *responseWriter) finish() error {
	r.mu.Lock()
	r.sendHeaders(http.StatusOK)
	bodyErr := r.body.Close()
	r.mu.Unlock()
	if bodyErr != nil {
		return bodyErr
	}

	if _, err := r.w.Write([]byte(`"}`)); err != nil {
		return err
	}
	return r.w.Finish()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

var _ http.ResponseWriter = (*responseWriter)(nil)
