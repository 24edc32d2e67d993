// Package pipeline sequences probe, extract, validate and write. It offers a
// staged entry where empty stages end the run as skips and a synchronous entry
// that folds everything into one Outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ani-regulations/internal/dedup"
	"github.com/JakeFAU/ani-regulations/internal/probe"
	"github.com/JakeFAU/ani-regulations/internal/regulation"
	"github.com/JakeFAU/ani-regulations/internal/validation"
)

// DefaultNumPages is scraped when a request names no page count.
const DefaultNumPages = 9

// Content check labels.
const (
	ContentNoNew  = "no_new_content"
	ContentNew    = "new_content_found"
	ContentForced = "forced_scrape"
)

// ErrSkipped marks a stage that had nothing to do. It ends a run successfully.
var ErrSkipped = errors.New("stage skipped")

// Request carries the per-run options.
type Request struct {
	NumPages int  `json:"num_pages_to_scrape"`
	Force    bool `json:"force_scrape"`
}

// PageCount resolves an optional page count. An absent value takes fallback,
// or DefaultNumPages when fallback is unset; a present one is floored at 1.
func PageCount(requested *int, fallback int) int {
	if requested == nil {
		if fallback < 1 {
			return DefaultNumPages
		}
		return fallback
	}
	return max(*requested, 1)
}

// Normalize applies the page count default and floor. A zero NumPages reads
// as absent; callers that can see an explicit zero resolve it with PageCount.
func (r Request) Normalize() Request {
	switch {
	case r.NumPages == 0:
		r.NumPages = DefaultNumPages
	case r.NumPages < 1:
		r.NumPages = 1
	}
	return r
}

// PagesProcessed renders the scraped page range as "first-last".
func (r Request) PagesProcessed() string {
	return fmt.Sprintf("0-%d", r.NumPages-1)
}

// Prober decides whether a full scrape is worthwhile.
type Prober interface {
	Check(ctx context.Context, latest probe.LatestFunc, pages int) bool
}

// Extractor scrapes an inclusive page range.
type Extractor interface {
	ScrapePages(ctx context.Context, start, end int) []regulation.Record
}

// Writer persists unseen records of an entity.
type Writer interface {
	Write(ctx context.Context, batch []regulation.Record, entity string) (dedup.Result, error)
}

// LatestStore exposes the newest persisted creation date of an entity.
type LatestStore interface {
	LatestCreatedAt(ctx context.Context, entity string) (time.Time, bool, error)
}

// RulesLoader returns the ruleset for one validation pass.
type RulesLoader func() (validation.Ruleset, error)

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Observer receives run level measurements. metrics.Recorder satisfies it.
type Observer interface {
	ObserveProbe(newContent bool)
	ObserveValidation(valid, discarded int, invalidCells map[string]int)
	ObserveWrite(inserted int64, persistedDuplicates, batchDuplicates int, components int64)
	ObserveRun(success bool, contentCheck string, duration time.Duration)
}

// Config holds the run constants.
type Config struct {
	Entity     string
	ProbePages int
}

// Deps bundles the collaborators of a Pipeline.
type Deps struct {
	Prober    Prober
	Extractor Extractor
	Writer    Writer
	Latest    LatestStore
	Rules     RulesLoader
	IDs       IDGenerator
	Observer  Observer
	Logger    *zap.Logger
}

// Pipeline runs the ingest stages.
type Pipeline struct {
	cfg  Config
	deps Deps
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Prober == nil:
		return nil, fmt.Errorf("pipeline: prober is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("pipeline: extractor is required")
	case deps.Writer == nil:
		return nil, fmt.Errorf("pipeline: writer is required")
	case deps.Latest == nil:
		return nil, fmt.Errorf("pipeline: latest store is required")
	case deps.Rules == nil:
		return nil, fmt.Errorf("pipeline: rules loader is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("pipeline: id generator is required")
	}
	if cfg.Entity == "" {
		cfg.Entity = regulation.DefaultEntity
	}
	if cfg.ProbePages <= 0 {
		cfg.ProbePages = probe.DefaultPages
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// CheckContent runs the change probe unless the request forces a scrape. No
// new content is reported as ErrSkipped.
func (p *Pipeline) CheckContent(ctx context.Context, req Request) (string, error) {
	req = req.Normalize()
	if req.Force {
		return ContentForced, nil
	}
	latest := func(ctx context.Context) (time.Time, bool, error) {
		return p.deps.Latest.LatestCreatedAt(ctx, p.cfg.Entity)
	}
	found := p.deps.Prober.Check(ctx, latest, min(p.cfg.ProbePages, req.NumPages))
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveProbe(found)
	}
	if !found {
		return ContentNoNew, fmt.Errorf("no new content on the first pages: %w", ErrSkipped)
	}
	return ContentNew, nil
}

// Extract scrapes pages 0..NumPages-1. An empty result is ErrSkipped.
func (p *Pipeline) Extract(ctx context.Context, req Request) ([]regulation.Record, error) {
	req = req.Normalize()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	records := p.deps.Extractor.ScrapePages(ctx, 0, req.NumPages-1)
	p.deps.Logger.Info("extraction finished",
		zap.Int("records", len(records)),
		zap.String("pages", req.PagesProcessed()),
	)
	if len(records) == 0 {
		return nil, fmt.Errorf("no records extracted: %w", ErrSkipped)
	}
	return records, nil
}

// Validate applies the ruleset, loaded once for this pass, and rebuilds the
// surviving records. No survivors is ErrSkipped; the stats are still returned.
func (p *Pipeline) Validate(ctx context.Context, records []regulation.Record) ([]regulation.Record, validation.Stats, error) {
	if len(records) == 0 {
		return nil, validation.Stats{InvalidCells: map[string]int{}}, fmt.Errorf("no records to validate: %w", ErrSkipped)
	}
	if err := ctx.Err(); err != nil {
		return nil, validation.Stats{}, fmt.Errorf("validate: %w", err)
	}
	rules, err := p.deps.Rules()
	if err != nil {
		return nil, validation.Stats{}, fmt.Errorf("load validation rules: %w", err)
	}

	rows := make([]regulation.Row, len(records))
	for i, rec := range records {
		rows[i] = rec.Row()
	}
	res := validation.Apply(rows, rules)

	valid := make([]regulation.Record, 0, len(res.Rows))
	for _, row := range res.Rows {
		rec, err := regulation.FromRow(row)
		if err != nil {
			p.deps.Logger.Warn("validated row cannot be persisted", zap.Error(err))
			res.Stats.RowsDiscarded++
			res.Stats.RowsValid--
			continue
		}
		valid = append(valid, rec)
	}

	p.deps.Logger.Info("validation finished",
		zap.Int("received", res.Stats.RowsReceived),
		zap.Int("valid", res.Stats.RowsValid),
		zap.Int("discarded", res.Stats.RowsDiscarded),
		zap.Any("invalid_cells", res.Stats.InvalidCells),
	)
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveValidation(res.Stats.RowsValid, res.Stats.RowsDiscarded, res.Stats.InvalidCells)
	}
	if len(valid) == 0 {
		return nil, res.Stats, fmt.Errorf("all records discarded by validation: %w", ErrSkipped)
	}
	return valid, res.Stats, nil
}

// Write persists the validated records for the configured entity.
func (p *Pipeline) Write(ctx context.Context, records []regulation.Record) (dedup.Result, error) {
	if len(records) == 0 {
		return dedup.Result{}, fmt.Errorf("no validated records to write: %w", ErrSkipped)
	}
	if err := ctx.Err(); err != nil {
		return dedup.Result{}, fmt.Errorf("write: %w", err)
	}
	res, err := p.deps.Writer.Write(ctx, records, p.cfg.Entity)
	if err != nil {
		return dedup.Result{}, err
	}
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveWrite(res.Inserted, res.DuplicatesPersisted, res.DuplicatesIntraBatch, res.ComponentsInserted)
	}
	p.deps.Logger.Info("write finished", zap.String("message", res.Message))
	return res, nil
}

// Report describes a staged run. Stage is the last stage reached.
type Report struct {
	RunID           string            `json:"run_id"`
	ContentCheck    string            `json:"content_check"`
	PagesProcessed  string            `json:"pages_processed"`
	Scraped         int               `json:"records_scraped"`
	Validated       int               `json:"records_validated"`
	Inserted        int64             `json:"records_inserted"`
	ValidationStats *validation.Stats `json:"validation_stats,omitempty"`
	Write           *dedup.Result     `json:"write,omitempty"`
	SkipReason      string            `json:"skip_reason,omitempty"`
	Stage           string            `json:"stage"`
}

// Skipped reports whether the run ended early without failing.
func (r Report) Skipped() bool {
	return r.SkipReason != ""
}

// RunStaged chains the stages. A stage returning ErrSkipped ends the run with
// a nil error and the reason recorded in the report.
func (p *Pipeline) RunStaged(ctx context.Context, req Request) (Report, error) {
	req = req.Normalize()
	start := time.Now()
	runID, err := p.deps.IDs.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("run id: %w", err)
	}
	report := Report{RunID: runID}
	logger := p.deps.Logger.With(zap.String("run_id", runID))
	logger.Info("run started", zap.Int("num_pages", req.NumPages), zap.Bool("force", req.Force))

	err = p.stages(ctx, req, &report)
	if errors.Is(err, ErrSkipped) {
		report.SkipReason = err.Error()
		logger.Info("run skipped", zap.String("stage", report.Stage), zap.String("reason", report.SkipReason))
		err = nil
	}
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveRun(err == nil, report.ContentCheck, time.Since(start))
	}
	if err != nil {
		logger.Error("run failed", zap.String("stage", report.Stage), zap.Error(err))
		return report, err
	}
	logger.Info("run finished", zap.Int64("inserted", report.Inserted), zap.Duration("duration", time.Since(start)))
	return report, nil
}

func (p *Pipeline) stages(ctx context.Context, req Request, report *Report) error {
	report.Stage = "probe"
	check, err := p.CheckContent(ctx, req)
	report.ContentCheck = check
	if err != nil {
		return err
	}

	report.Stage = "extract"
	report.PagesProcessed = req.PagesProcessed()
	records, err := p.Extract(ctx, req)
	report.Scraped = len(records)
	if err != nil {
		return err
	}

	report.Stage = "validate"
	valid, stats, err := p.Validate(ctx, records)
	report.ValidationStats = &stats
	report.Validated = len(valid)
	if err != nil {
		return err
	}

	report.Stage = "write"
	res, err := p.Write(ctx, valid)
	if err != nil {
		return err
	}
	report.Write = &res
	report.Inserted = res.Inserted
	return nil
}

// Outcome is the single structured result of a synchronous run.
type Outcome struct {
	StatusCode      int               `json:"status_code"`
	Message         string            `json:"message"`
	RecordsScraped  int               `json:"records_scraped"`
	RecordsValid    int               `json:"records_validated"`
	RecordsInserted int64             `json:"records_inserted"`
	PagesProcessed  string            `json:"pages_processed,omitempty"`
	ContentCheck    string            `json:"content_check,omitempty"`
	ValidationStats *validation.Stats `json:"validation_stats,omitempty"`
	Success         bool              `json:"success"`
	RunID           string            `json:"run_id,omitempty"`
}

// Run executes a whole pass and never returns an error: failures become a 500
// outcome carrying the error text.
func (p *Pipeline) Run(ctx context.Context, req Request) Outcome {
	report, err := p.RunStaged(ctx, req)
	if err != nil {
		return Outcome{
			StatusCode:     http.StatusInternalServerError,
			Message:        fmt.Sprintf("Error running the process: %v", err),
			RecordsScraped: report.Scraped,
			RecordsValid:   report.Validated,
			PagesProcessed: report.PagesProcessed,
			ContentCheck:   report.ContentCheck,
			Success:        false,
			RunID:          report.RunID,
		}
	}

	out := Outcome{
		StatusCode:      http.StatusOK,
		RecordsScraped:  report.Scraped,
		RecordsValid:    report.Validated,
		RecordsInserted: report.Inserted,
		PagesProcessed:  report.PagesProcessed,
		ContentCheck:    report.ContentCheck,
		ValidationStats: report.ValidationStats,
		Success:         true,
		RunID:           report.RunID,
	}
	switch {
	case report.Stage == "probe" && report.Skipped():
		out.Message = "No new content detected. Scrape skipped."
	case report.Stage == "extract" && report.Skipped():
		out.Message = "No valid data found during scraping"
	case report.Stage == "validate" && report.Skipped():
		out.Message = "All records were discarded by validation"
	case report.Write != nil:
		out.Message = report.Write.Message
	}
	return out
}
