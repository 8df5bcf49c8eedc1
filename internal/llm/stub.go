package llm

import (
	"context"

	"github.com/avaplatform/ava/internal/domain"
)

// StubClient returns canned hints, or a fixed error. Used in tests and in
// offline demo runs where no model endpoint exists.
type StubClient struct {
	Hints domain.Hints
	Err   error
	Calls int
}

func (s *StubClient) Evaluate(_ context.Context, _ EvalRequest) (domain.Hints, error) {
	s.Calls++
	if s.Err != nil {
		return domain.Hints{}, s.Err
	}
	return s.Hints, nil
}
