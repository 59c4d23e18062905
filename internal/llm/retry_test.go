package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayForAttempt_CappedAt500ms(t *testing.T) {
	cfg := DefaultTransientBackoff()
	if got := DelayForAttempt(1, cfg); got != 250*time.Millisecond {
		t.Fatalf("attempt 1: %s", got)
	}
	if got := DelayForAttempt(5, cfg); got != 500*time.Millisecond {
		t.Fatalf("attempt 5: %s", got)
	}
	if got := DelayForAttempt(0, BackoffConfig{}); got != 0 {
		t.Fatalf("zero config: %s", got)
	}
}

func TestRetryTransient_RetriesOnceThenSucceeds(t *testing.T) {
	c := NewClient()
	a := &stepAdapter{
		name: "openai",
		steps: []func() (Response, error){
			func() (Response, error) { return Response{}, ErrorFromHTTPStatus("openai", 429, "slow", nil, nil) },
			func() (Response, error) { return Response{Provider: "openai", Message: Assistant("second")}, nil },
		},
	}
	c.Register(a)
	c.Use(RetryTransient(BackoffConfig{InitialDelayMS: 1, MaxDelayMS: 5}))

	resp, err := c.Complete(context.Background(), Request{Model: "m", Messages: []Message{User("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "second" || a.i != 2 {
		t.Fatalf("text=%q calls=%d", resp.Text(), a.i)
	}
}

func TestRetryTransient_SecondTransientBecomesBackendFailed(t *testing.T) {
	c := NewClient()
	rate := func() (Response, error) { return Response{}, ErrorFromHTTPStatus("openai", 429, "slow", nil, nil) }
	a := &stepAdapter{name: "openai", steps: []func() (Response, error){rate, rate, rate}}
	c.Register(a)
	c.Use(RetryTransient(BackoffConfig{InitialDelayMS: 1, MaxDelayMS: 5}))

	_, err := c.Complete(context.Background(), Request{Model: "m", Messages: []Message{User("hi")}})
	var failed *BackendFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected BackendFailedError, got %T %v", err, err)
	}
	if a.i != 2 {
		t.Fatalf("calls=%d want 2", a.i)
	}
}

func TestRetryTransient_NonTransientNotRetried(t *testing.T) {
	c := NewClient()
	a := &stepAdapter{name: "openai", steps: []func() (Response, error){
		func() (Response, error) { return Response{}, ErrorFromHTTPStatus("openai", 401, "bad key", nil, nil) },
	}}
	c.Register(a)
	c.Use(RetryTransient(DefaultTransientBackoff()))
	_, err := c.Complete(context.Background(), Request{Model: "m", Messages: []Message{User("hi")}})
	if !IsAuthenticationError(err) || a.i != 1 {
		t.Fatalf("err=%v calls=%d", err, a.i)
	}
}
