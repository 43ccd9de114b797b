package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "dial tcp: i/o timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{429, KindQuota},
		{401, KindAuth},
		{403, KindAuth},
		{500, KindTransient},
		{502, KindTransient},
		{503, KindTransient},
		{504, KindTransient},
	}
	for _, c := range cases {
		got := Classify(&Error{Status: c.status, Message: "x"})
		if got != c.want {
			t.Fatalf("Classify(status %d) = %s, want %s", c.status, got, c.want)
		}
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"You exceeded your current quota", KindQuota},
		{"Rate limit reached for requests", KindQuota},
		{"Incorrect API key provided", KindAuth},
		{"Unauthorized", KindAuth},
		{"Service Unavailable", KindTransient},
		{"request timeout while waiting for model", KindTransient},
		{"malformed prompt content", KindInputInvalid},
		{"invalid prompt: too many images", KindInputInvalid},
		{"something else entirely", KindOther},
	}
	for _, c := range cases {
		got := Classify(&Error{Message: c.msg})
		if got != c.want {
			t.Fatalf("Classify(%q) = %s, want %s", c.msg, got, c.want)
		}
	}
}

func TestClassifyStatusWinsOverMessage(t *testing.T) {
	// A 429 whose body mentions auth is still a quota failure.
	got := Classify(&Error{Status: 429, Message: "auth quota whatever"})
	if got != KindQuota {
		t.Fatalf("got %s, want quota", got)
	}
}

func TestClassifySpecialErrors(t *testing.T) {
	if got := Classify(ErrEmptyCompletion); got != KindEmpty {
		t.Fatalf("empty completion = %s", got)
	}
	if got := Classify(fmt.Errorf("generate: %w", ErrEmptyCompletion)); got != KindEmpty {
		t.Fatalf("wrapped empty completion = %s", got)
	}
	if got := Classify(context.DeadlineExceeded); got != KindTransient {
		t.Fatalf("deadline = %s", got)
	}
	if got := Classify(fakeTimeout{}); got != KindTransient {
		t.Fatalf("net timeout = %s", got)
	}
	if got := Classify(errors.New("plain failure")); got != KindOther {
		t.Fatalf("plain = %s", got)
	}
	if got := Classify(nil); got != KindOther {
		t.Fatalf("nil = %s", got)
	}
}
