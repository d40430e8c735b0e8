// Package scrape extracts procurement notices from server-rendered listing
// pages using gocolly.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

const defaultTimeout = 15 * time.Second

// Selectors locate records inside a listing page. Field selectors are
// relative to the Item element.
type Selectors struct {
	Item        string `mapstructure:"item"`
	Code        string `mapstructure:"code"`
	Entity      string `mapstructure:"entity"`
	Description string `mapstructure:"description"`
	Year        string `mapstructure:"year"`
	Amount      string `mapstructure:"amount"`
	ObjectType  string `mapstructure:"object_type"`
	Department  string `mapstructure:"department"`
	Province    string `mapstructure:"province"`
	District    string `mapstructure:"district"`
	Next        string `mapstructure:"next"`
}

// DefaultSelectors match the table layout of the public notice listing.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:        "table.convocatorias tbody tr",
		Code:        "td.nomenclatura",
		Entity:      "td.entidad",
		Description: "td.descripcion",
		Year:        "td.anio",
		Amount:      "td.valor",
		ObjectType:  "td.objeto",
		Department:  "td.departamento",
		Province:    "td.provincia",
		District:    "td.distrito",
		Next:        "a.siguiente[href]",
	}
}

// Pacer delays a request until its host may be contacted again.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behaviour.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Selectors     Selectors
	// Pacer is optional; nil fetches without pacing.
	Pacer Pacer
}

// Page is the extraction result of one listing page.
type Page struct {
	URL     string
	Records []enrich.Record
	// Skipped counts rows without a notice code.
	Skipped int
	// Next is the absolute URL of the following page, if any.
	Next string
}

// StatusError reports a non-2xx listing response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("listing %s returned status %d", e.URL, e.Code)
}

// Retryable reports whether a page fetch error is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection reset", "connection refused", "eof"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Scraper fetches and parses listing pages.
type Scraper struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Scraper.
func New(cfg Config) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Selectors.Item == "" {
		cfg.Selectors = DefaultSelectors()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Scraper{cfg: cfg, base: c}
}

// FetchPage downloads one listing page and extracts its records.
func (s *Scraper) FetchPage(ctx context.Context, url string) (Page, error) {
	if s.cfg.Pacer != nil {
		if err := s.cfg.Pacer.Wait(ctx, url); err != nil {
			return Page{}, err
		}
	}
	page := Page{URL: url}
	var fetchErr error
	collector := s.collector()

	sel := s.cfg.Selectors
	collector.OnHTML(sel.Item, func(e *colly.HTMLElement) {
		rec, ok := s.extract(e)
		if !ok {
			page.Skipped++
			return
		}
		page.Records = append(page.Records, rec)
	})
	if sel.Next != "" {
		collector.OnHTML(sel.Next, func(e *colly.HTMLElement) {
			if page.Next == "" {
				page.Next = e.Request.AbsoluteURL(e.Attr("href"))
			}
		})
	}
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			fetchErr = &StatusError{URL: url, Code: r.StatusCode}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("listing fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Page{}, fmt.Errorf("listing response failed: %w", fetchErr)
		}
		if err != nil {
			return Page{}, fmt.Errorf("listing visit failed: %w", err)
		}
		return page, nil
	}
}

func (s *Scraper) collector() *colly.Collector {
	c := s.base.Clone()
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !s.cfg.RespectRobots
	c.SetRequestTimeout(s.cfg.Timeout)
	return c
}

func (s *Scraper) extract(e *colly.HTMLElement) (enrich.Record, bool) {
	sel := s.cfg.Selectors
	text := func(selector string) string {
		if selector == "" {
			return ""
		}
		return strings.Join(strings.Fields(e.ChildText(selector)), " ")
	}
	rec := enrich.Record{
		Code:        text(sel.Code),
		Entity:      text(sel.Entity),
		Description: text(sel.Description),
		ObjectType:  text(sel.ObjectType),
		Department:  text(sel.Department),
		Province:    text(sel.Province),
		District:    text(sel.District),
		Year:        parseYear(text(sel.Year)),
		Amount:      parseAmount(text(sel.Amount)),
		SourceURL:   e.Request.URL.String(),
	}
	return rec, rec.Code != ""
}

func parseYear(raw string) int {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if len(digits) < 4 {
		return 0
	}
	year, err := strconv.Atoi(digits[:4])
	if err != nil {
		return 0
	}
	return year
}

// parseAmount reads values such as "S/ 1,250,000.50".
func parseAmount(raw string) float64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, raw)
	if cleaned == "" {
		return 0
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
