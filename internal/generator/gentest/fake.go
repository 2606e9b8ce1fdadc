// Package gentest provides a canned-response generator.Client fake for unit
// tests across the transform packages, grounded on the teacher's preference
// for hand-rolled interface fakes over a mocking framework (no mock library
// appears anywhere in the teacher's own test files).
package gentest

import (
	"context"

	"github.com/yungbote/devpipe/internal/generator"
)

type Fake struct {
	Responses []generator.Response
	Err       error
	calls     int
}

func (f *Fake) Generate(_ context.Context, _ generator.Request) (generator.Response, error) {
	if f.Err != nil {
		return generator.Response{}, f.Err
	}
	if f.calls >= len(f.Responses) {
		return f.Responses[len(f.Responses)-1], nil
	}
	r := f.Responses[f.calls]
	f.calls++
	return r, nil
}

func (f *Fake) Calls() int { return f.calls }
