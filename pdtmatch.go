// Package pdtmatch is the query core for exploring where truth-commission
// recommendations surface in Colombian territorial development plans. It
// aggregates a Parquet fact table of sentence-level matches through a fixed
// set of filtered operations, with result caching, dataset lifecycle
// management and an audit trail behind one facade.
package pdtmatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cevdata/pdtmatch/auditlog"
	"github.com/cevdata/pdtmatch/cache"
	"github.com/cevdata/pdtmatch/dataset"
	"github.com/cevdata/pdtmatch/export"
	"github.com/cevdata/pdtmatch/filter"
	"github.com/cevdata/pdtmatch/query"
	"github.com/cevdata/pdtmatch/session"
)

// Engine is the main entry point for the dashboard query core.
type Engine interface {
	// Metadata returns summary counts for municipality rows under the
	// filter.
	Metadata(ctx context.Context, spec filter.Spec) (query.Metadata, error)

	// Rows returns matching fact rows, optionally projected and limited,
	// sorted by similarity descending.
	Rows(ctx context.Context, spec filter.Spec, projection []string, limit int) (*query.Table, error)

	// DepartmentStats aggregates municipality coverage per department.
	DepartmentStats(ctx context.Context, spec filter.Spec) ([]query.DepartmentStats, error)

	// Ranking orders municipalities or departments (per the spec's
	// territory) by distinct-recommendation count. topN <= 0 returns all.
	Ranking(ctx context.Context, spec filter.Spec, topN int) ([]query.RankedEntity, error)

	// RankOf locates one entity's position in the ranking without
	// materializing it for the caller.
	RankOf(ctx context.Context, spec filter.Spec, name string) (query.RankLookup, error)

	// TopRecommendations returns the most-mentioned recommendations.
	TopRecommendations(ctx context.Context, spec filter.Spec, limit int) ([]query.TopRecommendation, error)

	// MunicipalitiesForRecommendation lists municipalities mentioning a
	// recommendation code.
	MunicipalitiesForRecommendation(ctx context.Context, spec filter.Spec, code string, limit int) ([]query.RecommendationMunicipality, error)

	// ParagraphMatches groups one recommendation's matches by paragraph
	// for the drill-down view.
	ParagraphMatches(ctx context.Context, spec filter.Spec, code string, limit int) ([]query.ParagraphMatch, error)

	// Municipalities, Departments and Recommendations are the dataset
	// catalogs backing filter widgets. They are static per dataset load.
	Municipalities(ctx context.Context) ([]query.MunicipalityRef, error)
	Departments(ctx context.Context, territory filter.TerritoryType) ([]query.DepartmentRef, error)
	Recommendations(ctx context.Context) ([]query.Recommendation, error)

	// ExportWorkbook writes an Excel report (ranking, filtered rows,
	// recommendation dictionary) for the filter.
	ExportWorkbook(ctx context.Context, spec filter.Spec, rowLimit int, w io.Writer) error

	// ExportCSV writes the filtered rows as BOM-prefixed UTF-8 CSV.
	ExportCSV(ctx context.Context, spec filter.Spec, projection []string, limit int, w io.Writer) error

	// StartSession and TouchSession manage client sessions for request
	// correlation and the audit trail.
	StartSession() *session.Session
	TouchSession(id string) bool

	// State reports the dataset lifecycle state.
	State() session.State

	// Sweep expires idle resources (dataset handle, client sessions).
	// Intended to run on a timer.
	Sweep()

	// Audit exposes the audit log, nil when disabled.
	Audit() *auditlog.Log

	// Close shuts the engine down.
	Close() error
}

type engine struct {
	cfg      Config
	manager  *session.Manager
	sessions *session.Registry
	audit    *auditlog.Log

	// Filter-dependent tiers expire on CacheTTL; catalog tiers live until
	// the dataset handle is replaced.
	metaCache  *cache.Cache[query.Metadata]
	statsCache *cache.Cache[[]query.DepartmentStats]
	rankCache  *cache.Cache[[]query.RankedEntity]
	recsCache  *cache.Cache[[]query.TopRecommendation]
	muniCache  *cache.Cache[[]query.MunicipalityRef]
	deptCache  *cache.Cache[[]query.DepartmentRef]
	dictCache  *cache.Cache[[]query.Recommendation]
}

// New builds an Engine from the configuration. The dataset itself is not
// touched until the first operation needs it.
func New(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &engine{
		cfg:        cfg,
		sessions:   session.NewRegistry(cfg.IdleTimeout),
		metaCache:  cache.New[query.Metadata](cfg.CacheTTL),
		statsCache: cache.New[[]query.DepartmentStats](cfg.CacheTTL),
		rankCache:  cache.New[[]query.RankedEntity](cfg.CacheTTL),
		recsCache:  cache.New[[]query.TopRecommendation](cfg.CacheTTL),
		muniCache:  cache.New[[]query.MunicipalityRef](0),
		deptCache:  cache.New[[]query.DepartmentRef](0),
		dictCache:  cache.New[[]query.Recommendation](0),
	}

	e.manager = session.NewManager(session.Options{
		Path: cfg.DataPath,
		URL:  cfg.DataURL,
		Fetch: dataset.FetchOptions{
			Attempts: cfg.FetchAttempts,
			Backoff:  cfg.FetchBackoff,
		},
		Open: dataset.Options{
			MemoryLimit: cfg.MemoryLimit,
			Threads:     cfg.Threads,
		},
		IdleTimeout: cfg.IdleTimeout,
		OnReplace:   e.purgeCaches,
	})

	if cfg.AuditDBPath != "" {
		audit, err := auditlog.New(cfg.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		e.audit = audit
	}

	return e, nil
}

// ---------------------------------------------------------------------------
// Session context
// ---------------------------------------------------------------------------

type ctxKey int

const sessionKey ctxKey = 0

// WithSession tags a context with the client session ID so operations can
// attribute audit entries.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SessionFromContext returns the session ID set by WithSession.
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

// ---------------------------------------------------------------------------
// Aggregations
// ---------------------------------------------------------------------------

func (e *engine) Metadata(ctx context.Context, spec filter.Spec) (query.Metadata, error) {
	spec.Territory = filter.Municipality
	spec, err := e.normalize(spec)
	if err != nil {
		return query.Metadata{}, err
	}

	start := time.Now()
	hit := true
	m, err := e.metaCache.Get(ctx, "metadata|"+spec.Key(), func(ctx context.Context) (query.Metadata, error) {
		hit = false
		lib, err := e.library(ctx)
		if err != nil {
			return query.Metadata{}, err
		}
		return lib.Metadata(ctx, spec), nil
	})
	if err != nil {
		return query.Metadata{}, err
	}
	e.record(ctx, "metadata", spec, start, m.RowCount, hit)
	return m, nil
}

func (e *engine) Rows(ctx context.Context, spec filter.Spec, projection []string, limit int) (*query.Table, error) {
	spec, err := e.normalize(spec)
	if err != nil {
		return nil, err
	}

	// Row drill-downs can be large and vary by projection and limit, so
	// they bypass the result cache.
	start := time.Now()
	lib, err := e.library(ctx)
	if err != nil {
		return nil, err
	}
	t := lib.Rows(ctx, spec, projection, limit)
	e.record(ctx, "rows", spec, start, int64(t.Len()), false)
	return t, nil
}

func (e *engine) DepartmentStats(ctx context.Context, spec filter.Spec) ([]query.DepartmentStats, error) {
	spec.Territory = filter.Municipality
	spec, err := e.normalize(spec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hit := true
	stats, err := e.statsCache.Get(ctx, "deptstats|"+spec.Key(), func(ctx context.Context) ([]query.DepartmentStats, error) {
		hit = false
		lib, err := e.library(ctx)
		if err != nil {
			return nil, err
		}
		return lib.DepartmentStats(ctx, spec), nil
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, "department_stats", spec, start, int64(len(stats)), hit)
	return stats, nil
}

func (e *engine) Ranking(ctx context.Context, spec filter.Spec, topN int) ([]query.RankedEntity, error) {
	spec, err := e.normalize(spec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	full, hit, err := e.fullRanking(ctx, spec)
	if err != nil {
		return nil, err
	}
	e.record(ctx, "ranking", spec, start, int64(len(full)), hit)

	if topN > 0 && topN < len(full) {
		return full[:topN], nil
	}
	return full, nil
}

func (e *engine) RankOf(ctx context.Context, spec filter.Spec, name string) (query.RankLookup, error) {
	spec, err := e.normalize(spec)
	if err != nil {
		return query.RankLookup{}, err
	}

	start := time.Now()

	// Resolve against the cached full ranking when one exists; the
	// ordering is identical either way.
	if full, ok := e.rankCache.Peek("ranking|" + spec.Key()); ok {
		lookup := query.RankLookup{Total: int64(len(full))}
		for _, entity := range full {
			if entity.Name == name {
				lookup.Position = entity.Rank
				lookup.Found = true
				break
			}
		}
		e.record(ctx, "rank_lookup", spec, start, lookup.Total, true)
		return lookup, nil
	}

	lib, err := e.library(ctx)
	if err != nil {
		return query.RankLookup{}, err
	}
	lookup := lib.RankOf(ctx, spec, name)
	e.record(ctx, "rank_lookup", spec, start, lookup.Total, false)
	return lookup, nil
}

// fullRanking loads the complete ranking for a spec through the cache so
// Ranking and RankOf share one materialization.
func (e *engine) fullRanking(ctx context.Context, spec filter.Spec) ([]query.RankedEntity, bool, error) {
	hit := true
	full, err := e.rankCache.Get(ctx, "ranking|"+spec.Key(), func(ctx context.Context) ([]query.RankedEntity, error) {
		hit = false
		lib, err := e.library(ctx)
		if err != nil {
			return nil, err
		}
		return lib.Ranking(ctx, spec, 0), nil
	})
	return full, hit, err
}

func (e *engine) TopRecommendations(ctx context.Context, spec filter.Spec, limit int) ([]query.TopRecommendation, error) {
	spec, err := e.normalize(spec)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	start := time.Now()
	hit := true
	key := fmt.Sprintf("toprecs|%d|%s", limit, spec.Key())
	recs, err := e.recsCache.Get(ctx, key, func(ctx context.Context) ([]query.TopRecommendation, error) {
		hit = false
		lib, err := e.library(ctx)
		if err != nil {
			return nil, err
		}
		return lib.TopRecommendations(ctx, spec, limit), nil
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, "top_recommendations", spec, start, int64(len(recs)), hit)
	return recs, nil
}

func (e *engine) MunicipalitiesForRecommendation(ctx context.Context, spec filter.Spec, code string, limit int) ([]query.RecommendationMunicipality, error) {
	spec.Territory = filter.Municipality
	spec, err := e.normalize(spec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	lib, err := e.library(ctx)
	if err != nil {
		return nil, err
	}
	munis := lib.MunicipalitiesForRecommendation(ctx, spec, code, limit)
	e.record(ctx, "recommendation_municipalities", spec, start, int64(len(munis)), false)
	return munis, nil
}

func (e *engine) ParagraphMatches(ctx context.Context, spec filter.Spec, code string, limit int) ([]query.ParagraphMatch, error) {
	spec, err := e.normalize(spec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	lib, err := e.library(ctx)
	if err != nil {
		return nil, err
	}
	matches := lib.ParagraphMatches(ctx, spec, code, limit)
	e.record(ctx, "paragraph_matches", spec, start, int64(len(matches)), false)
	return matches, nil
}

// ---------------------------------------------------------------------------
// Catalogs
// ---------------------------------------------------------------------------

func (e *engine) Municipalities(ctx context.Context) ([]query.MunicipalityRef, error) {
	return e.muniCache.Get(ctx, "municipalities", func(ctx context.Context) ([]query.MunicipalityRef, error) {
		lib, err := e.library(ctx)
		if err != nil {
			return nil, err
		}
		return lib.Municipalities(ctx), nil
	})
}

func (e *engine) Departments(ctx context.Context, territory filter.TerritoryType) ([]query.DepartmentRef, error) {
	return e.deptCache.Get(ctx, "departments|"+string(territory), func(ctx context.Context) ([]query.DepartmentRef, error) {
		lib, err := e.library(ctx)
		if err != nil {
			return nil, err
		}
		return lib.Departments(ctx, territory), nil
	})
}

func (e *engine) Recommendations(ctx context.Context) ([]query.Recommendation, error) {
	return e.dictCache.Get(ctx, "recommendations", func(ctx context.Context) ([]query.Recommendation, error) {
		lib, err := e.library(ctx)
		if err != nil {
			return nil, err
		}
		return lib.Recommendations(ctx), nil
	})
}

// ---------------------------------------------------------------------------
// Exports
// ---------------------------------------------------------------------------

func (e *engine) ExportWorkbook(ctx context.Context, spec filter.Spec, rowLimit int, w io.Writer) error {
	spec, err := e.normalize(spec)
	if err != nil {
		return err
	}
	if rowLimit <= 0 {
		rowLimit = 50000
	}

	start := time.Now()
	ranking, _, err := e.fullRanking(ctx, spec)
	if err != nil {
		return err
	}
	lib, err := e.library(ctx)
	if err != nil {
		return err
	}
	rows := lib.Rows(ctx, spec, nil, rowLimit)
	dict, err := e.Recommendations(ctx)
	if err != nil {
		return err
	}

	if err := export.WriteWorkbook(w, export.Report{
		Ranking:    ranking,
		Rows:       rows,
		Dictionary: dict,
	}); err != nil {
		return err
	}
	e.record(ctx, "export_workbook", spec, start, int64(rows.Len()), false)
	return nil
}

func (e *engine) ExportCSV(ctx context.Context, spec filter.Spec, projection []string, limit int, w io.Writer) error {
	t, err := e.Rows(ctx, spec, projection, limit)
	if err != nil {
		return err
	}
	return export.WriteCSV(w, t)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (e *engine) StartSession() *session.Session {
	return e.sessions.Start()
}

func (e *engine) TouchSession(id string) bool {
	_, ok := e.sessions.Touch(id)
	return ok
}

func (e *engine) State() session.State {
	return e.manager.State()
}

func (e *engine) Sweep() {
	e.manager.Sweep()
	if dropped := e.sessions.Sweep(); dropped > 0 {
		slog.Info("expired idle sessions", "count", dropped)
	}
}

func (e *engine) Audit() *auditlog.Log {
	return e.audit
}

func (e *engine) Close() error {
	err := e.manager.Close()
	if e.audit != nil {
		if auditErr := e.audit.Close(); err == nil {
			err = auditErr
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// normalize applies the configured default threshold and validates.
func (e *engine) normalize(spec filter.Spec) (filter.Spec, error) {
	if spec.Threshold == 0 && e.cfg.DefaultThreshold > 0 {
		spec.Threshold = e.cfg.DefaultThreshold
	}
	if err := spec.Validate(); err != nil {
		return spec, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return spec, nil
}

// library acquires the shared handle, translating lifecycle failures into
// the package sentinels.
func (e *engine) library(ctx context.Context) (*query.Library, error) {
	h, err := e.manager.Acquire(ctx)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrClosed):
			return nil, ErrClosed
		case errors.Is(err, dataset.ErrNotFound):
			return nil, fmt.Errorf("%w: %v", ErrDataNotFound, err)
		case errors.Is(err, dataset.ErrCorrupt):
			return nil, fmt.Errorf("%w: %v", ErrDataCorrupt, err)
		case e.cfg.DataURL != "":
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
		}
	}
	return query.New(h), nil
}

// purgeCaches drops every cached result. Runs when the dataset handle is
// replaced.
func (e *engine) purgeCaches() {
	e.metaCache.Purge()
	e.statsCache.Purge()
	e.rankCache.Purge()
	e.recsCache.Purge()
	e.muniCache.Purge()
	e.deptCache.Purge()
	e.dictCache.Purge()
	slog.Info("result caches purged")
}

// record observes metrics and writes an audit entry; audit failures are
// logged, never surfaced.
func (e *engine) record(ctx context.Context, op string, spec filter.Spec, start time.Time, rowCount int64, cacheHit bool) {
	observeOp(op, time.Since(start).Seconds(), cacheHit)
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, auditlog.Entry{
		SessionID: SessionFromContext(ctx),
		Operation: op,
		FilterKey: spec.Key(),
		Territory: string(spec.Territory),
		Duration:  time.Since(start).Milliseconds(),
		RowCount:  rowCount,
		CacheHit:  cacheHit,
	})
	if err != nil {
		slog.Error("audit record failed", "operation", op, "error", err)
	}
}
