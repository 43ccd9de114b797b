package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"briefline/internal/domain"
	"briefline/internal/gate"
	"briefline/internal/llm"
	"briefline/internal/ratelimit"
	"briefline/internal/store"
)

// FailKind identifies why a job-level operation failed. Router produces the
// first three; the worker adds its own pre- and post-dispatch kinds.
type FailKind string

const (
	FailNoCandidates         FailKind = "no_candidates"
	FailAllCandidatesFailed  FailKind = "all_candidates_failed"
	FailInputInvalid         FailKind = "input_invalid"
	FailNoExtractableContent FailKind = "no_extractable_content"
	FailCallbackFailed       FailKind = "callback_failed"
)

// Retryable reports whether a failure of this kind should re-enqueue the job
// while attempts remain.
func Retryable(k FailKind) bool {
	switch k {
	case FailNoCandidates, FailAllCandidatesFailed, FailCallbackFailed:
		return true
	default:
		return false
	}
}

// DispatchError is a job-level dispatch failure.
type DispatchError struct {
	Kind    FailKind
	Message string
}

func (e *DispatchError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// The prompt is a fixed preamble plus the extracted content; the router does
// not mutate content beyond concatenation.
const promptPreamble = "Summarize the following content. Be concise, keep the key facts and the overall intent, and do not add information that is not present.\n\n"

// Clients resolves an upstream client for a candidate; implementations cache
// per credential.
type Clients func(c domain.Candidate) llm.Client

// Router walks active (provider, model) candidates in priority order,
// consuming quota and classifying upstream failures.
type Router struct {
	Store   *store.Store
	Limiter *ratelimit.Limiter
	Gate    *gate.Gate
	Clients Clients
	Log     *logrus.Logger
	Now     func() time.Time
}

func New(st *store.Store, lim *ratelimit.Limiter, g *gate.Gate, clients Clients, log *logrus.Logger) *Router {
	return &Router{Store: st, Limiter: lim, Gate: g, Clients: clients, Log: log, Now: time.Now}
}

func (r *Router) log() *logrus.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}

// Dispatch routes one job's content to the first candidate that can take it.
// Quota is consumed only when the upstream call is actually dispatched, and
// an attempt row is recorded per upstream invocation. Rejections by the
// upstream do not refund the counter: it models attempts against the
// provider in the window, not successes.
func (r *Router) Dispatch(ctx context.Context, job domain.Job, content string, maxTokens int) (string, error) {
	candidates, err := r.Store.ListActiveModels(ctx)
	if err != nil {
		return "", fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return "", &DispatchError{Kind: FailNoCandidates, Message: "no active models"}
	}

	lastErr := ""
	for _, cand := range candidates {
		minute, err := r.Limiter.TryConsume(ctx, cand.ID, ratelimit.PeriodMinute)
		if err != nil {
			return "", fmt.Errorf("minute quota for %s: %w", cand.ID, err)
		}
		if !minute.Allowed {
			r.log().WithFields(logrus.Fields{"job": job.ID, "model": cand.ID, "used": minute.Used, "limit": minute.Limit}).
				Debug("minute quota exhausted, skipping candidate")
			continue
		}
		day, err := r.Limiter.TryConsume(ctx, cand.ID, ratelimit.PeriodDay)
		if err != nil {
			return "", fmt.Errorf("day quota for %s: %w", cand.ID, err)
		}
		if !day.Allowed {
			r.log().WithFields(logrus.Fields{"job": job.ID, "model": cand.ID, "used": day.Used, "limit": day.Limit}).
				Debug("day quota exhausted, skipping candidate")
			continue
		}

		client := r.Clients(cand)
		text, genErr := client.Generate(ctx, cand.ModelName, promptPreamble+content, maxTokens)
		if genErr == nil {
			text = strings.TrimSpace(text)
			if text != "" {
				if _, err := r.Store.IncrementAttempt(ctx, job.ID, &cand.ProviderID, &cand.ID, true, nil); err != nil {
					return "", fmt.Errorf("record attempt: %w", err)
				}
				return text, nil
			}
			genErr = llm.ErrEmptyCompletion
		}

		msg := genErr.Error()
		if _, err := r.Store.IncrementAttempt(ctx, job.ID, &cand.ProviderID, &cand.ID, false, &msg); err != nil {
			return "", fmt.Errorf("record attempt: %w", err)
		}
		kind := llm.Classify(genErr)
		if err := r.Gate.Apply(ctx, cand.ProviderID, kind, msg); err != nil {
			return "", fmt.Errorf("apply backoff: %w", err)
		}
		r.log().WithFields(logrus.Fields{"job": job.ID, "model": cand.ID, "provider": cand.ProviderID, "kind": kind}).
			Warn("candidate failed")
		if kind == llm.KindInputInvalid {
			return "", &DispatchError{Kind: FailInputInvalid, Message: msg}
		}
		lastErr = msg
	}
	return "", &DispatchError{Kind: FailAllCandidatesFailed, Message: lastErr}
}
