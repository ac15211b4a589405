package mlambda

import "time"

// InvocationMetadata is the per-invocation envelope handed down by the
// Runtime API on /next. It is valid for exactly one invocation.
type InvocationMetadata struct {
	RequestID          string
	DeadlineMS         int64
	InvokedFunctionARN string
	TraceID            string
	ClientContext      string
	CognitoIdentity    string
}

// Deadline returns the metadata's deadline as a time.Time.
func (m InvocationMetadata) Deadline() time.Time {
	return time.UnixMilli(m.DeadlineMS)
}

// Invocation pairs the metadata for one invocation with its opaque
// event bytes. The loop never inspects Event; only the handler does.
type Invocation struct {
	Metadata InvocationMetadata
	Event    []byte
}
