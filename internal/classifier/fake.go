package classifier

import "context"

// Fake is a test double for Client. It returns predefined raw
// responses in order and records every prompt it receives.
//
// Usage:
//
//	fake := &classifier.Fake{
//	    Responses: []string{`{"classification": "SAFE", "reasoning": "ok"}`},
//	}
type Fake struct {
	// Responses is the queue of raw completion texts, consumed in
	// order. When exhausted, the last entry repeats.
	Responses []string

	// Err, when set, is returned by every call instead of a response.
	Err error

	// BlockUntilCancel makes Classify wait for ctx cancellation and
	// return ctx.Err(), simulating a hung endpoint.
	BlockUntilCancel bool

	// ModelName defaults to "fake-model".
	ModelName string

	// Calls records the user prompt of every call, in order.
	Calls []string

	next int
}

func (f *Fake) Classify(ctx context.Context, system, user string) (string, error) {
	f.Calls = append(f.Calls, user)

	if f.BlockUntilCancel {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.Err != nil {
		return "", f.Err
	}

	if len(f.Responses) == 0 {
		return "", nil
	}
	resp := f.Responses[f.next]
	if f.next < len(f.Responses)-1 {
		f.next++
	}
	return resp, nil
}

func (f *Fake) Model() string {
	if f.ModelName != "" {
		return f.ModelName
	}
	return "fake-model"
}
