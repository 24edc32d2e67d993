// Package probe answers whether the first listing pages hold anything newer
// than the latest persisted regulation.
package probe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ani-regulations/internal/coerce"
	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

// DefaultPages is the number of listing pages sampled.
const DefaultPages = 3

// LatestFunc returns the latest persisted creation date. ok is false when
// nothing has been persisted yet.
type LatestFunc func(ctx context.Context) (latest time.Time, ok bool, err error)

// PageSource scrapes an inclusive page range.
type PageSource interface {
	ScrapePages(ctx context.Context, start, end int) []regulation.Record
}

// Probe samples the newest listing pages.
type Probe struct {
	source PageSource
	logger *zap.Logger
}

// New builds a Probe over source.
func New(source PageSource, logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{source: source, logger: logger}
}

// Check reports whether new content is likely. It errs on the side of true:
// a failing accessor or an empty history both answer true.
func (p *Probe) Check(ctx context.Context, latest LatestFunc, pages int) bool {
	if pages <= 0 {
		pages = DefaultPages
	}

	last, ok, err := latest(ctx)
	if err != nil {
		p.logger.Warn("latest persisted date unavailable, assuming new content", zap.Error(err))
		return true
	}
	if !ok {
		p.logger.Info("no persisted history, assuming new content")
		return true
	}
	last = wallClock(last)

	records := p.source.ScrapePages(ctx, 0, pages-1)
	for _, rec := range records {
		created, ok := coerce.ParseDate(rec.CreatedAt)
		if !ok {
			continue
		}
		if wallClock(created).After(last) {
			p.logger.Info("new content found",
				zap.String("title", rec.Title),
				zap.String("created_at", rec.CreatedAt),
				zap.Time("latest", last),
			)
			return true
		}
	}
	p.logger.Info("no new content", zap.Int("pages", pages), zap.Int("records", len(records)), zap.Time("latest", last))
	return false
}

// wallClock drops the zone, keeping the wall-clock reading.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
