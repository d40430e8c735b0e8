package worker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
	"github.com/JakeFAU/procurement-enricher/internal/scrape"
)

// fakeFetcher serves pages by URL, failing each URL a scripted number of times.
type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]scrape.Page
	failures map[string][]error
	visits   map[string]int
}

func (f *fakeFetcher) FetchPage(_ context.Context, url string) (scrape.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visits == nil {
		f.visits = map[string]int{}
	}
	f.visits[url]++
	if queue := f.failures[url]; len(queue) > 0 {
		f.failures[url] = queue[1:]
		return scrape.Page{}, queue[0]
	}
	page, ok := f.pages[url]
	if !ok {
		return scrape.Page{}, &scrape.StatusError{URL: url, Code: http.StatusNotFound}
	}
	return page, nil
}

func listingFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: map[string]scrape.Page{
			"https://seace.test/1": {
				Records: []enrich.Record{
					{Code: "A", Year: 2024, Description: "Servicio de limpieza"},
					{Code: "B", Year: 2023, Description: "Servicio de limpieza"},
				},
				Next: "https://seace.test/2",
			},
			"https://seace.test/2": {
				Records: []enrich.Record{
					{Code: "C", Year: 2024, Description: "Limpieza de canales"},
					{Code: "D", Year: 2024, Description: "Compra de computadoras"},
				},
			},
		},
		failures: map[string][]error{
			"https://seace.test/2": {&scrape.StatusError{URL: "https://seace.test/2", Code: http.StatusBadGateway}},
		},
	}
}

func TestScrapeFollowsPagesAndRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, categoryAnswers)
	fetcher := listingFetcher()
	job := NewScraper(fetcher, h.records, ScrapeConfig{
		BaseURLs:     []string{"https://seace.test/1"},
		Retries:      2,
		RetryBackoff: time.Millisecond,
	})

	op := h.run(t, h.worker(job), enrich.KindScrape, `{"year":2024,"keywords":["LIMPIEZA"]}`)
	require.Equal(t, operation.StatusCompleted, op.Status)
	require.Equal(t, enrich.Counts{Inserted: 2}, op.Counts)
	require.Equal(t, &operation.ScrapeDetails{PagesVisited: 2, RecordsFound: 2}, op.Details.Scrape)
	require.Equal(t, 2, op.Details.Summary.ProcessCount)
	require.Equal(t, 2, fetcher.visits["https://seace.test/2"])
	require.Contains(t, h.events.types(), progress.TypeScraperStatus)

	op = h.run(t, h.worker(job), enrich.KindScrape, `{"year":2024,"keywords":["limpieza"]}`)
	require.Equal(t, enrich.Counts{Updated: 2}, op.Counts)
	require.Equal(t, 2, h.records.Len())
}

func TestScrapeRespectsMaxItemsAndExplicitURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, categoryAnswers)
	job := NewScraper(listingFetcher(), h.records, ScrapeConfig{RetryBackoff: time.Millisecond})
	op := h.run(t, h.worker(job), enrich.KindScrape, `{"urls":["https://seace.test/1"],"max_items":1}`)
	require.Equal(t, operation.StatusCompleted, op.Status)
	require.Equal(t, 1, op.Details.Scrape.RecordsFound)
	require.Equal(t, 1, op.Details.Scrape.PagesVisited)
}

func TestScrapeFailsWhenNoPageLoads(t *testing.T) {
	t.Parallel()

	h := newHarness(t, categoryAnswers)
	job := NewScraper(&fakeFetcher{}, h.records, ScrapeConfig{BaseURLs: []string{"https://seace.test/missing"}})
	op := h.run(t, h.worker(job), enrich.KindScrape, `{}`)
	require.Equal(t, operation.StatusFailed, op.Status)
	require.Contains(t, op.Error, "no listing page could be fetched")

	op = h.run(t, h.worker(NewScraper(&fakeFetcher{}, h.records, ScrapeConfig{})), enrich.KindScrape, `{}`)
	require.Equal(t, operation.StatusFailed, op.Status)
	require.Contains(t, op.Error, ErrNoListingURLs.Error())
}
