package localserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/go-custom-lambda-runtime/internal/mlambda"
)

// POST /invoke with "payload" blocks until a loop-style client drains
// /next, reverses the body, and POSTs it back to /response; /invoke
// then returns 200 "yaplop".
func TestServer_InvokeRoundTripsThroughLoop(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runEchoLoopOnce(t, ctx, addr)
	}()

	resp, err := http.Post(ts.URL+"/invoke", "application/octet-stream", bytes.NewBufferString("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body := make([]byte, 64)
	n, _ := resp.Body.Read(body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yaplop", string(body[:n]))

	<-loopDone
	assert.Equal(t, 1, srv.InvocationCount())
}

// runEchoLoopOnce plays the part of the invocation loop against the
// local server's Runtime-API-shaped endpoints: one GET /next, one
// reversing transform, one POST /response.
func runEchoLoopOnce(t *testing.T, ctx context.Context, addr string) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/2018-06-01/runtime/invocation/next", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	requestID := resp.Header.Get("Lambda-Runtime-Aws-Request-Id")
	require.NotEmpty(t, requestID)

	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	event := buf[:n]

	reversed := make([]byte, len(event))
	for i, b := range event {
		reversed[len(event)-1-i] = b
	}

	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+"/2018-06-01/runtime/invocation/"+requestID+"/response",
		bytes.NewReader(reversed))
	require.NoError(t, err)
	postResp, err := http.DefaultClient.Do(postReq)
	require.NoError(t, err)
	defer postResp.Body.Close()
	require.Equal(t, http.StatusAccepted, postResp.StatusCode)
}

func TestServer_CannedNextModeString(t *testing.T) {
	srv := New(Config{Mode: "string"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/2018-06-01/runtime/invocation/next")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get("Lambda-Runtime-Aws-Request-Id"))
	assert.NotEmpty(t, resp.Header.Get("Lambda-Runtime-Deadline-Ms"))

	buf := make([]byte, 128)
	n, _ := resp.Body.Read(buf)
	assert.True(t, strings.HasPrefix(string(buf[:n]), `"`))
}

func TestServer_CannedNextModeJSON(t *testing.T) {
	srv := New(Config{Mode: "json"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/2018-06-01/runtime/invocation/next")
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 128)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), `"name"`)
}

func TestServer_InvocationErrorUnblocksInvoke(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/2018-06-01/runtime/invocation/next", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		requestID := resp.Header.Get("Lambda-Runtime-Aws-Request-Id")

		errReport := mlambda.ErrorReport{ErrorType: "Boom", ErrorMessage: "nope"}
		body, _ := marshalErrorReport(errReport)
		postReq, _ := http.NewRequestWithContext(ctx, http.MethodPost,
			ts.URL+"/2018-06-01/runtime/invocation/"+requestID+"/error", bytes.NewReader(body))
		resp2, err := http.DefaultClient.Do(postReq)
		if err == nil {
			resp2.Body.Close()
		}
	}()

	resp, err := http.Post(ts.URL+"/invoke", "application/octet-stream", bytes.NewBufferString("x"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func marshalErrorReport(r mlambda.ErrorReport) ([]byte, error) {
	return []byte(`{"errorType":"` + r.ErrorType + `","errorMessage":"` + r.ErrorMessage + `"}`), nil
}

func TestServer_MaxInvocationsShutsDown(t *testing.T) {
	srv := New(Config{Host: "127.0.0.1", Port: "0", MaxInvocations: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	// The listener's ephemeral port is not exposed, so the /invoke cycle
	// runs through a second front end over the same Server; the shutdown
	// poller reads the shared invocation count either way.
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	assert.Equal(t, 0, srv.InvocationCount())
	go runEchoLoopOnce(t, ctx, strings.TrimPrefix(ts.URL, "http://"))

	resp, err := http.Post(ts.URL+"/invoke", "application/octet-stream", bytes.NewBufferString("payload"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, srv.InvocationCount())

	// ListenAndServe must return on its own, before ctx's deadline.
	require.NoError(t, <-done)
	assert.NoError(t, ctx.Err())
}
