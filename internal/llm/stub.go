package llm

import (
	"context"
	"sync/atomic"
)

// Stub answers without any network call. It returns an empty detection list
// shaped for the requested mode unless Text or Err is set. It stands in for
// every provider when the service runs with extraction.stub enabled.
type Stub struct {
	Text  string
	Err   error
	calls atomic.Int64
}

func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Generate(ctx context.Context, req Request) (Response, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if s.Err != nil {
		return Response{}, s.Err
	}
	if s.Text != "" {
		return Response{Text: s.Text}, nil
	}
	if req.Schema != nil {
		return Response{Text: `{"damage_areas":[]}`}, nil
	}
	return Response{Text: "[]"}, nil
}

// Calls is the number of Generate invocations so far.
func (s *Stub) Calls() int64 { return s.calls.Load() }
