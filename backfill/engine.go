/*
Package backfill resolves invoice-line manager strings to users at scale.

PURPOSE:
  Lines arrive with a free-text manager. The engine fills ManagerUserID
  and ManagerNormalized for every line still missing either, in batches,
  and reports progress after each batch.

ALGORITHM:
  1. Load every line where ManagerUserID or ManagerNormalized is nil
  2. Split into batches of BatchSize (default 200), never more than
     ProgressEvery lines so progress is reported at least that often
  3. Per batch:
     - Unresolved line: key = stored ManagerNormalized, else Normalize(Manager).
       Match the key once per run (memoized), group line ids by
       (key, userID) and write each group with one AssignManager call.
       A line that matches nobody and already stores key is left alone.
     - Resolved line whose stored normalization differs from
       Normalize(Manager): grouped into SetManagerNormalized calls.
  4. Report Progress{Processed, Total} after the batch is persisted

IDEMPOTENCE:
  A second run over unchanged data writes nothing and returns 0. Only
  lines that gain a non-nil user are counted.

FAILURE:
  A persistence error aborts the run and is returned as is. There is no
  retry. Callers resume by re-running; already resolved lines are skipped
  by the source query.

SEE ALSO:
  - names/matcher.go: Matcher used per distinct key
  - api/jobs.go: Background runner that persists job progress
*/
package backfill

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/logger"
	"github.com/warp/invoice-recon/names"
)

const DefaultBatchSize = 200

// ProgressEvery is the most lines processed between two progress reports.
const ProgressEvery = 100

// Store is the persistence the engine reads from and writes to.
type Store interface {
	billing.BackfillSource
	billing.ManagerUpdater
}

type Progress struct {
	Processed int
	Total     int
}

// ProgressFunc is called after each persisted batch. A non-nil error stops
// the run before the next batch.
type ProgressFunc func(ctx context.Context, p Progress) error

// Result summarizes one run.
type Result struct {
	Total        int // lines needing resolution at start
	Assigned     int // lines newly given a user
	Renormalized int // resolved lines whose normalization was repaired
}

type Engine struct {
	store     Store
	matcher   names.Matcher
	BatchSize int

	log zerolog.Logger
}

func NewEngine(store Store, matcher names.Matcher) *Engine {
	return &Engine{
		store:     store,
		matcher:   matcher,
		BatchSize: DefaultBatchSize,
		log:       logger.WithComponent("backfill"),
	}
}

// Run resolves every pending line against candidates and returns how many
// lines were newly assigned a user. onProgress may be nil.
func (e *Engine) Run(ctx context.Context, candidates []names.Candidate, onProgress ProgressFunc) (int, error) {
	res, err := e.RunDetailed(ctx, candidates, onProgress)
	return res.Assigned, err
}

// RunDetailed is Run with the full summary. On error the summary covers the
// batches persisted before the failure.
func (e *Engine) RunDetailed(ctx context.Context, candidates []names.Candidate, onProgress ProgressFunc) (Result, error) {
	lines, err := e.store.LinesNeedingResolution(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load pending lines: %w", err)
	}

	size := e.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	size = min(size, ProgressEvery)

	res := Result{Total: len(lines)}
	run := &runState{engine: e, candidates: candidates, cache: make(map[string]*billing.UserID)}

	if len(lines) == 0 {
		if err := report(ctx, onProgress, Progress{}); err != nil {
			return res, err
		}
		e.log.Info().Int("total", 0).Msg("backfill: nothing to resolve")
		return res, nil
	}

	for start := 0; start < len(lines); start += size {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+size, len(lines))

		assigned, renormalized, err := run.batch(ctx, lines[start:end])
		res.Assigned += assigned
		res.Renormalized += renormalized
		if err != nil {
			return res, fmt.Errorf("batch at line %d: %w", start, err)
		}

		e.log.Debug().
			Int("processed", end).
			Int("total", len(lines)).
			Int("assigned", assigned).
			Int("renormalized", renormalized).
			Msg("backfill: batch persisted")

		if err := report(ctx, onProgress, Progress{Processed: end, Total: len(lines)}); err != nil {
			return res, err
		}
	}

	e.log.Info().
		Int("total", res.Total).
		Int("assigned", res.Assigned).
		Int("renormalized", res.Renormalized).
		Int("distinct_names", len(run.cache)).
		Msg("backfill: completed")

	return res, nil
}

func report(ctx context.Context, fn ProgressFunc, p Progress) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, p)
}

// =============================================================================
// PER-RUN STATE
// =============================================================================

// runState owns the match memo for one run.
type runState struct {
	engine     *Engine
	candidates []names.Candidate
	cache      map[string]*billing.UserID
}

func (r *runState) match(key string) *billing.UserID {
	if id, ok := r.cache[key]; ok {
		return id
	}
	id := r.engine.matcher.Match(key, r.candidates).UserID
	r.cache[key] = id
	return id
}

type assignKey struct {
	normalized string
	userID     billing.UserID
	hasUser    bool
}

// batch persists one slice of lines. Groups are written in order of first
// appearance so runs are reproducible.
func (r *runState) batch(ctx context.Context, lines []billing.BackfillLine) (assigned, renormalized int, err error) {
	assignGroups := make(map[assignKey][]billing.LineID)
	var assignOrder []assignKey
	normGroups := make(map[string][]billing.LineID)
	var normOrder []string

	for _, l := range lines {
		if l.ManagerUserID != nil {
			fresh := names.Normalize(l.Manager)
			if l.ManagerNormalized != nil && *l.ManagerNormalized == fresh {
				continue
			}
			if _, ok := normGroups[fresh]; !ok {
				normOrder = append(normOrder, fresh)
			}
			normGroups[fresh] = append(normGroups[fresh], l.ID)
			continue
		}

		key := names.Normalize(l.Manager)
		if l.ManagerNormalized != nil {
			key = *l.ManagerNormalized
		}
		userID := r.match(key)
		if userID == nil && l.ManagerNormalized != nil {
			// Unmatched and already normalized: nothing to write.
			continue
		}

		k := assignKey{normalized: key}
		if userID != nil {
			k.userID, k.hasUser = *userID, true
		}
		if _, ok := assignGroups[k]; !ok {
			assignOrder = append(assignOrder, k)
		}
		assignGroups[k] = append(assignGroups[k], l.ID)
	}

	for _, k := range assignOrder {
		ids := assignGroups[k]
		var userID *billing.UserID
		if k.hasUser {
			id := k.userID
			userID = &id
		}
		if err := r.engine.store.AssignManager(ctx, ids, userID, k.normalized); err != nil {
			return assigned, renormalized, fmt.Errorf("assign manager %q: %w", k.normalized, err)
		}
		if userID != nil {
			assigned += len(ids)
		}
	}

	for _, n := range normOrder {
		ids := normGroups[n]
		if err := r.engine.store.SetManagerNormalized(ctx, ids, n); err != nil {
			return assigned, renormalized, fmt.Errorf("set normalized %q: %w", n, err)
		}
		renormalized += len(ids)
	}

	return assigned, renormalized, nil
}
