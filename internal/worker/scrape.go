package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/location"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/scrape"
)

// ErrNoListingURLs is returned when neither the request nor the
// configuration names a listing to scrape.
var ErrNoListingURLs = errors.New("no listing urls configured")

// PageFetcher downloads and parses one listing page.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (scrape.Page, error)
}

// ScrapeConfig configures the scrape job.
type ScrapeConfig struct {
	BaseURLs []string
	// MaxPages bounds how many pages are followed from each start URL.
	MaxPages     int
	Retries      int
	RetryBackoff time.Duration
	DefaultLimit int
}

// Scraper collects procurement notices from listing pages.
type Scraper struct {
	fetcher PageFetcher
	store   enrich.RecordStore
	cfg     ScrapeConfig
}

// NewScraper constructs the scrape job.
func NewScraper(fetcher PageFetcher, store enrich.RecordStore, cfg ScrapeConfig) *Scraper {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Scraper{fetcher: fetcher, store: store, cfg: cfg}
}

// Kind implements Job.
func (s *Scraper) Kind() enrich.Kind { return enrich.KindScrape }

type scrapeState struct {
	params   enrich.ScrapeParams
	limit    int
	keywords []string
	total    int
	details  operation.ScrapeDetails
	lastErr  error
}

// Run implements Job.
func (s *Scraper) Run(ctx context.Context, run *Run) (operation.Details, error) {
	st := &scrapeState{}
	if err := run.Decode(&st.params); err != nil {
		return operation.Details{}, err
	}
	urls := st.params.URLs
	if len(urls) == 0 {
		urls = s.cfg.BaseURLs
	}
	if len(urls) == 0 {
		return operation.Details{}, ErrNoListingURLs
	}
	st.limit = st.params.MaxItems
	if st.limit <= 0 {
		st.limit = s.cfg.DefaultLimit
	}
	st.keywords = location.FoldKeywords(st.params.Keywords)
	st.total = len(urls)
	if err := run.Start(st.total); err != nil {
		return operation.Details{}, err
	}

	for _, start := range urls {
		if err := s.crawl(ctx, run, st, start); err != nil {
			return operation.Details{}, err
		}
		if st.full() {
			break
		}
	}
	if st.details.PagesVisited == 0 && st.lastErr != nil {
		return operation.Details{}, fmt.Errorf("no listing page could be fetched: %w", st.lastErr)
	}
	return operation.Details{
		Summary: operation.Summary{ProcessCount: st.details.RecordsFound},
		Scrape:  &st.details,
	}, nil
}

func (st *scrapeState) full() bool {
	return st.limit > 0 && st.details.RecordsFound >= st.limit
}

// crawl follows one listing and its next-page links.
func (s *Scraper) crawl(ctx context.Context, run *Run, st *scrapeState, url string) error {
	for pages := 0; url != "" && pages < s.cfg.MaxPages && !st.full(); pages++ {
		page, err := s.fetch(ctx, run, url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			st.lastErr = err
			st.details.PagesFailed++
			return run.Advance(fmt.Sprintf("listing %s failed: %v", url, err), enrich.Counts{Errors: 1})
		}
		st.details.PagesVisited++

		var delta enrich.Counts
		for _, rec := range page.Records {
			if st.full() {
				break
			}
			if !st.matches(rec) {
				continue
			}
			st.details.RecordsFound++
			inserted, err := s.store.Upsert(ctx, rec)
			switch {
			case err != nil:
				delta.Errors++
				run.Logger().Warn("upsert notice failed", zap.String("code", rec.Code), zap.Error(err))
			case inserted:
				delta.Inserted++
			default:
				delta.Updated++
			}
		}

		if page.Next != "" && pages+1 < s.cfg.MaxPages && !st.full() {
			st.total++
			if err := run.Start(st.total); err != nil {
				return err
			}
		}
		msg := fmt.Sprintf("page %d of %s: %d notices, %d kept", pages+1, url, len(page.Records), delta.Inserted+delta.Updated)
		if err := run.Advance(msg, delta); err != nil {
			return err
		}
		url = page.Next
	}
	return nil
}

// fetch retries transient failures, narrating each retry.
func (s *Scraper) fetch(ctx context.Context, run *Run, url string) (scrape.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := run.Narrate(fmt.Sprintf("retrying %s (attempt %d of %d)", url, attempt+1, s.cfg.Retries+1)); err != nil {
				return scrape.Page{}, err
			}
			timer := time.NewTimer(s.cfg.RetryBackoff * time.Duration(1<<(attempt-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return scrape.Page{}, ctx.Err()
			case <-timer.C:
			}
		}
		page, err := s.fetcher.FetchPage(ctx, url)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !scrape.Retryable(err) {
			break
		}
	}
	return scrape.Page{}, lastErr
}

func (st *scrapeState) matches(rec enrich.Record) bool {
	if st.params.Year != 0 && rec.Year != st.params.Year {
		return false
	}
	return location.MatchesKeywords(rec, st.keywords)
}
