package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"briefline/internal/callback"
	"briefline/internal/domain"
	"briefline/internal/extract"
	"briefline/internal/router"
	"briefline/internal/store"
)

const (
	defaultPollInterval      = time.Second
	defaultStaleTimeout      = 10 * time.Minute
	defaultHousekeepInterval = 5 * time.Minute
)

// NewID returns a stable worker identity for this process.
func NewID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}

// Worker drives the job lifecycle: claim, extract, dispatch, report, ack.
// Concurrency bounds in-flight jobs; on shutdown it stops claiming and
// drains without cancelling in-flight upstream calls.
type Worker struct {
	ID       string
	Store    *store.Store
	Router   *router.Router
	Callback *callback.Sender

	Concurrency       int
	PollInterval      time.Duration
	StaleTimeout      time.Duration
	HousekeepInterval time.Duration

	Log *logrus.Logger
	Now func() time.Time

	wg sync.WaitGroup
}

func (w *Worker) log() *logrus.Logger {
	if w.Log != nil {
		return w.Log
	}
	return logrus.StandardLogger()
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run claims and processes jobs until ctx is cancelled, then drains.
func (w *Worker) Run(ctx context.Context) {
	if w.ID == "" {
		w.ID = NewID()
	}
	concurrency := w.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	sem := make(chan struct{}, concurrency)

	housekeepDone := make(chan struct{})
	go func() {
		defer close(housekeepDone)
		w.housekeep(ctx)
	}()

	log := w.log().WithField("worker", w.ID)
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker draining")
			w.wg.Wait()
			<-housekeepDone
			log.Info("worker stopped")
			return
		case sem <- struct{}{}:
		}

		job, err := w.Store.ClaimNext(ctx, w.ID)
		if err != nil {
			<-sem
			log.WithError(err).Error("claim failed")
			sleep(ctx, poll)
			continue
		}
		if job == nil {
			<-sem
			sleep(ctx, poll)
			continue
		}

		w.wg.Add(1)
		go func(j domain.Job) {
			defer w.wg.Done()
			defer func() { <-sem }()
			// In-flight work is never cancelled by shutdown; the worker
			// waits for it instead.
			w.Process(context.Background(), j)
		}(*job)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) housekeep(ctx context.Context) {
	interval := w.HousekeepInterval
	if interval <= 0 {
		interval = defaultHousekeepInterval
	}
	staleTimeout := w.StaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = defaultStaleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.housekeepOnce(ctx, staleTimeout)
		}
	}
}

// housekeepOnce runs one maintenance pass: time out stale claims, recycle
// failed jobs through the retry policy, prune expired rate counters.
func (w *Worker) housekeepOnce(ctx context.Context, staleTimeout time.Duration) {
	n, err := w.Store.RecoverStale(ctx, staleTimeout)
	if err != nil {
		w.log().WithError(err).Error("stale recovery failed")
	} else if n > 0 {
		w.log().WithField("recovered", n).Warn("recovered stale claims")
	}
	requeued, dead, err := w.Store.SweepFailed(ctx)
	if err != nil {
		w.log().WithError(err).Error("failed-job sweep failed")
	} else if requeued > 0 || dead > 0 {
		w.log().WithFields(logrus.Fields{"requeued": requeued, "dead": dead}).Info("swept failed jobs")
	}
	if _, err := w.Store.PruneRateCounters(ctx, w.now()); err != nil {
		w.log().WithError(err).Error("rate counter pruning failed")
	}
}

// Process runs one claimed job to completion: succeeded, re-queued, or dead.
func (w *Worker) Process(ctx context.Context, job domain.Job) {
	log := w.log().WithFields(logrus.Fields{"worker": w.ID, "job": job.ID, "file": job.FileID})
	started := w.now()

	// Pre-flight: without any active model there is nothing to dispatch to.
	candidates, err := w.Store.ListActiveModels(ctx)
	if err != nil {
		log.WithError(err).Error("pre-flight candidate check failed; leaving job for stale recovery")
		return
	}
	if len(candidates) == 0 {
		w.fail(ctx, log, job, router.FailNoCandidates, "no active models", true)
		return
	}

	content, err := extract.FromPayload(job.Payload)
	if err != nil || content.Text == "" {
		msg := "no extractable content"
		if err != nil {
			msg = fmt.Sprintf("no extractable content: %v", err)
		}
		w.fail(ctx, log, job, router.FailNoExtractableContent, msg, true)
		return
	}
	budget := extract.TokenBudget(content.MainContentWords)

	summary, err := w.Router.Dispatch(ctx, job, content.Text, budget)
	if err != nil {
		var de *router.DispatchError
		if errors.As(err, &de) {
			// The router already recorded per-candidate attempts; only
			// NoCandidates reached here without an upstream invocation.
			w.fail(ctx, log, job, de.Kind, de.Message, de.Kind == router.FailNoCandidates)
			return
		}
		log.WithError(err).Error("dispatch failed on store error; leaving job for stale recovery")
		return
	}

	elapsed := w.now().Sub(started)
	res := callback.Result{
		FileID:  job.FileID,
		Summary: summary,
		Metadata: callback.Metadata{
			ContentBlocks:    content.Blocks,
			TotalWords:       content.TotalWords,
			MainContentWords: content.MainContentWords,
			ProcessingTimeMs: float64(elapsed.Microseconds()) / 1000.0,
			ProcessedAt:      w.now().UTC().Format(time.RFC3339),
		},
	}
	if err := w.Callback.Send(ctx, res); err != nil {
		log.WithError(err).Warn("callback delivery failed")
		w.fail(ctx, log, job, router.FailCallbackFailed, err.Error(), false)
		return
	}

	if err := w.Store.CompleteJob(ctx, job.ID, domain.JobSucceeded, &summary, nil); err != nil {
		log.WithError(err).Error("complete failed; leaving job for stale recovery")
		return
	}
	log.WithField("ms", res.Metadata.ProcessingTimeMs).Info("job succeeded")
}

// fail decides between re-enqueue and dead. countAttempt is set for failures
// that never reached the router's per-candidate accounting.
func (w *Worker) fail(ctx context.Context, log *logrus.Entry, job domain.Job, kind router.FailKind, msg string, countAttempt bool) {
	if countAttempt {
		if _, err := w.Store.IncrementAttempt(ctx, job.ID, nil, nil, false, &msg); err != nil {
			log.WithError(err).Error("record attempt failed; leaving job for stale recovery")
			return
		}
	}
	fresh, err := w.Store.GetJob(ctx, job.ID)
	if err != nil {
		log.WithError(err).Error("reload job failed; leaving job for stale recovery")
		return
	}
	outcome := domain.JobDead
	if router.Retryable(kind) && fresh.Attempts < fresh.MaxAttempts {
		outcome = domain.JobQueued
	}
	full := fmt.Sprintf("%s: %s", kind, msg)
	if msg == "" {
		full = string(kind)
	}
	if err := w.Store.CompleteJob(ctx, job.ID, outcome, nil, &full); err != nil {
		log.WithError(err).Error("complete failed; leaving job for stale recovery")
		return
	}
	if outcome == domain.JobDead {
		log.WithFields(logrus.Fields{"kind": kind, "attempts": fresh.Attempts}).Warn("job dead")
	} else {
		log.WithFields(logrus.Fields{"kind": kind, "attempts": fresh.Attempts}).Info("job re-enqueued")
	}
}
