package mlambda

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Next_HeaderRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2018-06-01/runtime/invocation/next", r.URL.Path)
		w.Header().Set(headerAWSRequestID, "req-1")
		w.Header().Set(headerDeadlineMS, "1700000000000")
		w.Header().Set(headerInvokedFunctionARN, "arn:aws:lambda:us-east-1:123:function:f")
		w.Header().Set(headerTraceID, "trace-1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`"hello"`))
	}))
	defer ts.Close()

	c := newClient(strings.TrimPrefix(ts.URL, "http://"))
	inv, err := c.next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "req-1", inv.Metadata.RequestID)
	assert.EqualValues(t, 1700000000000, inv.Metadata.DeadlineMS)
	assert.Equal(t, "arn:aws:lambda:us-east-1:123:function:f", inv.Metadata.InvokedFunctionARN)
	assert.Equal(t, "trace-1", inv.Metadata.TraceID)
	assert.Equal(t, `"hello"`, string(inv.Event))
}

func TestClient_Next_MissingHeaderIsTransient(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			// missing mandatory headers: transient fault, must be retried
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set(headerAWSRequestID, "req-2")
		w.Header().Set(headerDeadlineMS, "1700000000000")
		w.Header().Set(headerInvokedFunctionARN, "arn")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := newClient(strings.TrimPrefix(ts.URL, "http://"))
	inv, err := c.next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "req-2", inv.Metadata.RequestID)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestClient_Respond(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2018-06-01/runtime/invocation/req-1/response", r.URL.Path)
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = b
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	c := newClient(strings.TrimPrefix(ts.URL, "http://"))
	err := c.respond(context.Background(), "req-1", []byte("olleh"))
	require.NoError(t, err)
	assert.Equal(t, "olleh", string(gotBody))
}

func TestClient_ReportInvocationError(t *testing.T) {
	var gotType string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2018-06-01/runtime/invocation/req-1/error", r.URL.Path)
		gotType = r.Header.Get(trailerErrorType)
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = b
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	c := newClient(strings.TrimPrefix(ts.URL, "http://"))
	err := c.reportInvocationError(context.Background(), "req-1", ErrorReport{
		ErrorType:    "APIError.invalidRequest",
		ErrorMessage: "bad request",
	})
	require.NoError(t, err)
	assert.Equal(t, "APIError.invalidRequest", gotType)
	assert.JSONEq(t, `{"errorType":"APIError.invalidRequest","errorMessage":"bad request"}`, string(gotBody))
}

func TestClient_ReportInitError(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2018-06-01/runtime/init/error", r.URL.Path)
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	c := newClient(strings.TrimPrefix(ts.URL, "http://"))
	err := c.reportInitError(context.Background(), ErrorReport{ErrorType: "Init.Failed", ErrorMessage: "boom"})
	require.NoError(t, err)
	assert.True(t, called)
}

// This response POST test uses httpmock instead of a real listener to
// assert on the request shape without standing up a server.
func TestClient_Respond_RequestShape(t *testing.T) {
	httpmock.Activate(t)

	httpmock.RegisterResponder(http.MethodPost, "http://runtime-api.local/2018-06-01/runtime/invocation/req-9/response",
		func(req *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			assert.Equal(t, "olleh", string(body))
			return httpmock.NewStringResponse(http.StatusAccepted, ""), nil
		})

	c := newClient("runtime-api.local")
	err := c.respond(context.Background(), "req-9", []byte("olleh"))
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}
