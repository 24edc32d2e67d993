// Package extract turns the regulations listing into records. Page fetch and
// parse failures never abort a run: they are logged, counted and yield an
// empty page.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ani-regulations/internal/coerce"
	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

// Listing defaults.
const (
	DefaultBaseURL = "https://www.ani.gov.co/informacion-de-la-ani/normatividad" +
		"?field_tipos_de_normas__tid=12&title=&body_value=&field_fecha__value%5Bvalue%5D%5Byear%5D="
	DefaultOrigin = "https://www.ani.gov.co"
)

// Page outcome labels reported to the Observer.
const (
	PageOK         = "ok"
	PageFetchError = "fetch_error"
	PageBadStatus  = "bad_status"
	PageParseError = "parse_error"
)

const (
	bodySelector    = "tbody"
	rowSelector     = "tr"
	titleSelector   = "td.views-field.views-field-title a"
	summarySelector = "td.views-field.views-field-body"
	dateSelector    = "td.views-field.views-field-field-fecha--1"
	dateSpan        = "span.date-display-single"
)

// quoteChars are removed from titles and summaries.
const quoteChars = "\"'`´“”‘’«»„‚‹›′″"

var whitespaceRun = regexp.MustCompile(`\s+`)

// Limiter paces outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config describes the listing being scraped.
type Config struct {
	BaseURL          string
	Origin           string
	Entity           string
	ClassificationID int64
	PageConcurrency  int
}

// Extractor fetches listing pages and maps rows onto records.
type Extractor struct {
	cfg        Config
	origin     *url.URL
	fetcher    Fetcher
	classifier *regulation.Classifier
	clock      Clock
	limiter    Limiter
	observer   Observer
	logger     *zap.Logger
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithLimiter paces page requests through l.
func WithLimiter(l Limiter) Option {
	return func(e *Extractor) { e.limiter = l }
}

// WithObserver reports page outcomes to o.
func WithObserver(o Observer) Option {
	return func(e *Extractor) { e.observer = o }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// New builds an Extractor. Zero config values fall back to the listing defaults.
func New(cfg Config, fetcher Fetcher, classifier *regulation.Classifier, clock Clock, opts ...Option) (*Extractor, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("extract: fetcher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("extract: clock is required")
	}
	if classifier == nil {
		classifier = regulation.NewClassifier(nil, 0)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Origin == "" {
		cfg.Origin = DefaultOrigin
	}
	if cfg.Entity == "" {
		cfg.Entity = regulation.DefaultEntity
	}
	if cfg.ClassificationID <= 0 {
		cfg.ClassificationID = regulation.DefaultClassificationID
	}
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = 1
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("extract: invalid origin %q", cfg.Origin)
	}

	e := &Extractor{
		cfg:        cfg,
		origin:     origin,
		fetcher:    fetcher,
		classifier: classifier,
		clock:      clock,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// PageURL returns the listing URL of page n. Page 0 is the base URL.
func (e *Extractor) PageURL(page int) string {
	if page <= 0 {
		return e.cfg.BaseURL
	}
	return e.cfg.BaseURL + "&page=" + strconv.Itoa(page)
}

// ScrapePage fetches one listing page and returns its records.
func (e *Extractor) ScrapePage(ctx context.Context, page int) []regulation.Record {
	target := e.PageURL(page)
	logger := e.logger.With(zap.Int("page", page), zap.String("url", target))

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, target); err != nil {
			logger.Warn("page skipped while waiting for rate limiter", zap.Error(err))
			e.observe(PageFetchError, 0)
			return nil
		}
	}

	resp, err := e.fetcher.Fetch(ctx, target)
	if err != nil {
		logger.Warn("page fetch failed", zap.Error(err))
		e.observe(PageFetchError, 0)
		return nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		logger.Warn("page returned non-success status", zap.Int("status", resp.StatusCode))
		e.observe(PageBadStatus, 0)
		return nil
	}

	records, err := e.ParseListing(resp.Body)
	if err != nil {
		logger.Warn("page parse failed", zap.Error(err))
		e.observe(PageParseError, 0)
		return nil
	}
	logger.Debug("page scraped", zap.Int("records", len(records)), zap.Duration("duration", resp.Duration))
	e.observe(PageOK, len(records))
	return records
}

// ScrapePages scrapes pages start..end inclusive and concatenates the records
// in page order regardless of completion order.
func (e *Extractor) ScrapePages(ctx context.Context, start, end int) []regulation.Record {
	if start < 0 {
		start = 0
	}
	if end < start {
		return []regulation.Record{}
	}
	pages := make([][]regulation.Record, end-start+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PageConcurrency)
	for i := range pages {
		page := start + i
		g.Go(func() error {
			pages[i] = e.ScrapePage(gctx, page)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]regulation.Record, 0)
	for _, recs := range pages {
		out = append(out, recs...)
	}
	return out
}

// ParseListing extracts records from a listing page body. Rows missing a title
// anchor, a link or a parseable date, or whose cleaned title is too long, are
// skipped.
func (e *Extractor) ParseListing(body []byte) ([]regulation.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	updateAt := e.clock.Now().Format(coerce.TimestampLayout)
	records := make([]regulation.Record, 0)
	// Only the first table body holds the listing.
	doc.Find(bodySelector).First().Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
		rec, ok := e.parseRow(row, updateAt)
		if ok {
			records = append(records, rec)
		}
	})
	return records, nil
}

func (e *Extractor) parseRow(row *goquery.Selection, updateAt string) (regulation.Record, bool) {
	anchor := row.Find(titleSelector).First()
	if anchor.Length() == 0 {
		return regulation.Record{}, false
	}
	title := CleanQuotes(anchor.Text())
	if title == "" || utf8.RuneCountInString(title) > regulation.MaxTitleLength {
		return regulation.Record{}, false
	}

	href, ok := anchor.Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return regulation.Record{}, false
	}
	link, ok := e.resolveLink(href)
	if !ok {
		return regulation.Record{}, false
	}

	created := NormalizeDate(rawDate(row))
	if _, ok := coerce.ParseDate(created); !ok {
		return regulation.Record{}, false
	}

	var summary *string
	if cell := row.Find(summarySelector).First(); cell.Length() > 0 {
		if s := capitalize(CleanQuotes(cell.Text())); s != "" {
			summary = &s
		}
	}

	return regulation.Record{
		Title:            title,
		CreatedAt:        created,
		UpdateAt:         updateAt,
		ExternalLink:     link,
		GType:            regulation.LinkGType,
		Summary:          summary,
		RTypeID:          e.classifier.RTypeID(title),
		ClassificationID: e.cfg.ClassificationID,
		IsActive:         true,
		Entity:           e.cfg.Entity,
	}, true
}

func (e *Extractor) resolveLink(href string) (string, bool) {
	if strings.HasPrefix(href, "http") {
		return href, true
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	return e.origin.ResolveReference(ref).String(), true
}

func (e *Extractor) observe(status string, records int) {
	if e.observer != nil {
		e.observer.ObservePage(status, records)
	}
}

// rawDate prefers the machine-readable content attribute of the date span.
func rawDate(row *goquery.Selection) string {
	cell := row.Find(dateSelector).First()
	if cell.Length() == 0 {
		return ""
	}
	span := cell.Find(dateSpan).First()
	if span.Length() == 0 {
		return strings.TrimSpace(cell.Text())
	}
	if content, ok := span.Attr("content"); ok && strings.TrimSpace(content) != "" {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(span.Text())
}

// CleanQuotes removes quote characters, trims and collapses whitespace.
func CleanQuotes(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(quoteChars, r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// NormalizeDate maps the listing's date forms onto YYYY-MM-DD. ISO timestamps
// are cut at the T; D/M/Y dates are reordered and zero padded. Anything else is
// returned trimmed as is.
func NormalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i := strings.IndexByte(raw, 'T'); i >= 0 {
		return strings.TrimSpace(raw[:i])
	}
	if strings.Contains(raw, "/") {
		parts := strings.Split(raw, "/")
		if len(parts) != 3 {
			return raw
		}
		day, errD := strconv.Atoi(strings.TrimSpace(parts[0]))
		month, errM := strconv.Atoi(strings.TrimSpace(parts[1]))
		year := strings.TrimSpace(parts[2])
		if errD != nil || errM != nil || year == "" {
			return raw
		}
		return fmt.Sprintf("%s-%02d-%02d", year, month, day)
	}
	return raw
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	first, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(first)) + strings.ToLower(s[size:])
}
