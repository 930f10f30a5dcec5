package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"comebearing.dev/internal/ids"
	"comebearing.dev/internal/msauth"
	"comebearing.dev/internal/notify"
	"comebearing.dev/internal/obs"
	"comebearing.dev/internal/tablestore"
)

// TokenAcquirer is the slice of the credential client the pipeline needs.
type TokenAcquirer interface {
	AcquireTokenSilent(ctx context.Context, identifier string) (msauth.Token, error)
}

// CredentialFn resolves a per-identity credential client. One client per
// subscriber keeps each iteration's cache blob independent.
type CredentialFn func(identifier string) (TokenAcquirer, error)

// Pipeline enumerates subscribers, fetches their current presence, diffs it
// against the persisted snapshot and, on change, persists then publishes.
// Per-subscriber steps are idempotent, so a re-run after a partial failure
// retries exactly the work that still differs from the stored snapshot.
//
// Known gap: the read-diff-write sequence has no conditional check, so two
// overlapping runs touching the same subscriber can race past each other and
// drop a notification. Data stays intact because all writes are whole-row.
type Pipeline struct {
	store     tablestore.Store
	creds     CredentialFn
	fetcher   Fetcher
	publisher notify.Publisher

	workers int
	limiter *rate.Limiter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers bounds per-subscriber concurrency.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRateLimit paces presence fetches and credential refreshes to respect
// downstream rate limits.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Pipeline) {
		if perSecond > 0 && burst > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewPipeline wires the pipeline. Defaults: 4 workers, 10 fetches/second.
func NewPipeline(store tablestore.Store, creds CredentialFn, fetcher Fetcher, publisher notify.Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		creds:     creds,
		fetcher:   fetcher,
		publisher: publisher,
		workers:   4,
		limiter:   rate.NewLimiter(rate.Limit(10), 10),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunResult aggregates one run's per-subscriber outcomes.
type RunResult struct {
	RunID        string `json:"run_id"`
	Subscribers  int    `json:"subscribers"`
	Changed      int    `json:"changed"`
	Unchanged    int    `json:"unchanged"`
	ConsentSkips int    `json:"consent_skips"`
	Failed       int    `json:"failed"`
}

// Run executes one full pipeline pass. It returns an error only when
// subscriber enumeration fails; per-subscriber failures are isolated, logged
// and counted in the result.
func (p *Pipeline) Run(ctx context.Context) (RunResult, error) {
	result := RunResult{RunID: ids.New()}

	entities, err := p.store.Query(ctx, PartitionSubscribers)
	if err != nil {
		obs.RecordRun("error")
		return result, fmt.Errorf("enumerate subscribers: %w", err)
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan Subscriber)
	)
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				outcome := p.process(ctx, result.RunID, sub)
				mu.Lock()
				result.Subscribers++
				switch outcome {
				case outcomeChanged:
					result.Changed++
				case outcomeUnchanged:
					result.Unchanged++
				case outcomeConsentSkip:
					result.ConsentSkips++
				case outcomeFailed:
					result.Failed++
				}
				mu.Unlock()
			}
		}()
	}

	for _, e := range entities {
		sub, err := SubscriberFromEntity(e)
		if err != nil {
			obs.Error("skipping undecodable subscriber row", map[string]any{
				"run_id":  result.RunID,
				"row_key": e.RowKey,
				"err":     err.Error(),
			})
			mu.Lock()
			result.Failed++
			mu.Unlock()
			continue
		}
		jobs <- sub
	}
	close(jobs)
	wg.Wait()

	obs.RecordRun("ok")
	obs.Info("pipeline run finished", map[string]any{
		"run_id":        result.RunID,
		"subscribers":   result.Subscribers,
		"changed":       result.Changed,
		"unchanged":     result.Unchanged,
		"consent_skips": result.ConsentSkips,
		"failed":        result.Failed,
	})
	return result, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeChanged
	outcomeUnchanged
	outcomeConsentSkip
)

func (p *Pipeline) process(ctx context.Context, runID string, sub Subscriber) outcome {
	obs.RecordSubscriber()
	if err := p.limiter.Wait(ctx); err != nil {
		return outcomeFailed
	}

	acquirer, err := p.creds(sub.AccountID)
	if err != nil {
		obs.Error("credential resolution failed", map[string]any{
			"run_id": runID, "upn": sub.UPN, "err": err.Error(),
		})
		return outcomeFailed
	}

	token, err := acquirer.AcquireTokenSilent(ctx, sub.AccountID)
	if errors.Is(err, msauth.ErrInteractionRequired) {
		// One user's re-consent requirement never aborts the run.
		obs.RecordConsentSkip()
		obs.Info("subscriber needs re-consent, skipping", map[string]any{
			"run_id": runID, "upn": sub.UPN,
		})
		return outcomeConsentSkip
	}
	if err != nil {
		obs.Error("silent token acquisition failed", map[string]any{
			"run_id": runID, "upn": sub.UPN, "err": err.Error(),
		})
		return outcomeFailed
	}

	current, err := p.fetcher.Fetch(ctx, token)
	if err != nil {
		obs.Error("presence fetch failed", map[string]any{
			"run_id": runID, "upn": sub.UPN, "err": err.Error(),
		})
		return outcomeFailed
	}
	// Snapshots are keyed by the enrolled UPN regardless of what the fetch
	// reported.
	current.UPN = sub.UPN

	lastEntity, err := p.store.Retrieve(ctx, PartitionLastPresence, sub.UPN)
	switch {
	case errors.Is(err, tablestore.ErrNotFound):
		// First observation always counts as changed.
	case err != nil:
		obs.Error("snapshot lookup failed", map[string]any{
			"run_id": runID, "upn": sub.UPN, "err": err.Error(),
		})
		return outcomeFailed
	default:
		last, err := SnapshotFromEntity(lastEntity)
		if err == nil && current.Same(last) {
			return outcomeUnchanged
		}
	}

	entity, err := current.Entity()
	if err != nil {
		return outcomeFailed
	}
	if err := p.store.Upsert(ctx, entity); err != nil {
		// Publish is never attempted for an unpersisted snapshot.
		obs.Error("snapshot persist failed", map[string]any{
			"run_id": runID, "upn": sub.UPN, "err": err.Error(),
		})
		return outcomeFailed
	}

	if err := p.publish(ctx, current); err != nil {
		// Accepted gap: the snapshot is already persisted, so the next run
		// diffs as unchanged and this notification is not retried.
		obs.RecordPublishFailure()
		obs.Error("publish failed after persisted snapshot", map[string]any{
			"run_id": runID, "upn": sub.UPN, "topic": current.ObjectID, "err": err.Error(),
		})
		return outcomeFailed
	}

	obs.RecordChange()
	return outcomeChanged
}

func (p *Pipeline) publish(ctx context.Context, s Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := p.publisher.Publish(ctx, s.ObjectID, payload); err != nil {
		return err
	}
	return p.publisher.Flush(ctx)
}

// ErrUnknownSubscriber indicates a live lookup for a user who never enrolled.
var ErrUnknownSubscriber = errors.New("no enrolled subscriber for that user")

// Live fetches the user's current presence without touching the stored
// snapshot or publishing anything.
func (p *Pipeline) Live(ctx context.Context, upn string) (Snapshot, error) {
	entities, err := p.store.Query(ctx, PartitionSubscribers)
	if err != nil {
		return Snapshot{}, fmt.Errorf("enumerate subscribers: %w", err)
	}
	for _, e := range entities {
		sub, err := SubscriberFromEntity(e)
		if err != nil || !strings.EqualFold(sub.UPN, upn) {
			continue
		}
		acquirer, err := p.creds(sub.AccountID)
		if err != nil {
			return Snapshot{}, err
		}
		token, err := acquirer.AcquireTokenSilent(ctx, sub.AccountID)
		if err != nil {
			return Snapshot{}, err
		}
		current, err := p.fetcher.Fetch(ctx, token)
		if err != nil {
			return Snapshot{}, err
		}
		current.UPN = sub.UPN
		return current, nil
	}
	return Snapshot{}, ErrUnknownSubscriber
}

// Last returns the stored snapshot for a UPN, or the zero snapshot when the
// user has never been observed. Missing data is not an error.
func Last(ctx context.Context, store tablestore.Store, upn string) (Snapshot, error) {
	e, err := store.Retrieve(ctx, PartitionLastPresence, upn)
	if errors.Is(err, tablestore.ErrNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotFromEntity(e)
}
