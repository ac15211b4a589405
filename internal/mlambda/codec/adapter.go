package codec

import (
	"encoding/json"
	"fmt"

	"github.com/aws-samples/go-custom-lambda-runtime/internal/mlambda"
)

// decodedStreamingAdapter wraps a StreamingDecodedHandler[T] behind the
// byte-level StreamingHandler contract, decoding the raw event bytes
// through the envelope cascade before calling the handler.
type decodedStreamingAdapter[T any] struct {
	handler mlambda.StreamingDecodedHandler[T]
}

// NewDecodedStreamingHandler adapts a StreamingDecodedHandler[T] (or a
// StreamingDecodedHandlerFunc[T] closure) into a plain StreamingHandler
// that the loop can dispatch.
func NewDecodedStreamingHandler[T any](h mlambda.StreamingDecodedHandler[T]) mlambda.StreamingHandler {
	return decodedStreamingAdapter[T]{handler: h}
}

func (a decodedStreamingAdapter[T]) Invoke(ctx *mlambda.Context, w *mlambda.Writer, event []byte) error {
	decoded, err := DecodeEvent[T](event)
	if err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return a.handler.Invoke(ctx, w, decoded)
}

// BufferedCodec is a buffered handler over typed input/output values.
// TOut of struct{} produces an empty response body instead of "{}".
type BufferedCodec[TIn any, TOut any] struct {
	Handler func(ctx *mlambda.Context, event TIn) (TOut, error)
}

// NewBufferedCodec builds a BufferedHandler from a typed function.
func NewBufferedCodec[TIn any, TOut any](fn func(ctx *mlambda.Context, event TIn) (TOut, error)) mlambda.BufferedHandler {
	return BufferedCodec[TIn, TOut]{Handler: fn}
}

func (c BufferedCodec[TIn, TOut]) Invoke(ctx *mlambda.Context, event []byte) ([]byte, error) {
	var in TIn
	if err := json.Unmarshal(event, &in); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	out, err := c.Handler(ctx, in)
	if err != nil {
		return nil, err
	}

	return encodeOutput(out)
}

func encodeOutput(out any) ([]byte, error) {
	if out == nil {
		return nil, nil
	}
	if _, isUnit := out.(struct{}); isUnit {
		return nil, nil
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return b, nil
}
