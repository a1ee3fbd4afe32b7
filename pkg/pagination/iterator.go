package pagination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"

	"github.com/Sternrassler/resilient-fetch/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tomnomnom/linkheader"
)

var pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fetch_pages_total",
	Help: "Total pages fetched by pagination iterators",
})

// ErrDone is returned by Next after the last page.
var ErrDone = errors.New("no more pages")

// Fetcher performs one logical request. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, init *client.RequestInit) (*http.Response, error)
}

// NextURLFunc extracts the next page URL from a response, or "" when the
// response is the last page.
type NextURLFunc func(resp *http.Response) string

// Page is one step of an iteration.
type Page struct {
	Response *http.Response

	// Count is the 1-based page number.
	Count int

	// Done is set on the last page.
	Done bool

	NextURL string
}

// Option configures an Iterator.
type Option func(*Iterator)

// WithNextURL replaces the Link header extraction.
func WithNextURL(fn NextURLFunc) Option {
	return func(it *Iterator) {
		it.nextURL = fn
	}
}

// WithInit applies init to every page request.
func WithInit(init *client.RequestInit) Option {
	return func(it *Iterator) {
		it.init = init
	}
}

// WithLogger sets the iterator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(it *Iterator) {
		it.logger = logger
	}
}

// Iterator walks a paginated collection. It is not safe for concurrent use.
type Iterator struct {
	fetcher Fetcher
	nextURL NextURLFunc
	init    *client.RequestInit
	logger  zerolog.Logger

	current string
	count   int
	done    bool
	err     error
}

// New creates an iterator starting at startURL.
func New(fetcher Fetcher, startURL string, opts ...Option) *Iterator {
	it := &Iterator{
		fetcher: fetcher,
		nextURL: NextLink,
		logger:  log.With().Str("component", "pagination").Logger(),
		current: startURL,
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Next fetches the next page. It returns ErrDone once the last page was
// returned, and the same error again after a failed page.
func (it *Iterator) Next(ctx context.Context) (Page, error) {
	if it.err != nil {
		return Page{}, it.err
	}
	if it.done {
		return Page{}, ErrDone
	}

	resp, err := it.fetcher.Fetch(ctx, it.current, it.init)
	if err != nil {
		it.err = fmt.Errorf("fetch page %d: %w", it.count+1, err)
		it.logger.Warn().
			Err(err).
			Int("page", it.count+1).
			Str("url", it.current).
			Msg("Page fetch failed")
		return Page{}, it.err
	}

	it.count++
	pagesTotal.Inc()

	next := it.nextURL(resp)
	page := Page{
		Response: resp,
		Count:    it.count,
		Done:     next == "",
		NextURL:  next,
	}

	it.logger.Debug().
		Int("page", it.count).
		Str("url", it.current).
		Bool("done", page.Done).
		Msg("Fetched page")

	if page.Done {
		it.done = true
	} else {
		it.current = next
	}

	return page, nil
}

// Pages returns the remaining pages as a sequence. Iteration stops after
// the last page or after yielding an error.
func (it *Iterator) Pages(ctx context.Context) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		for {
			page, err := it.Next(ctx)
			if errors.Is(err, ErrDone) {
				return
			}
			if !yield(page, err) || err != nil || page.Done {
				return
			}
		}
	}
}

// Collect walks all remaining pages, passes each body to fn and closes it.
// It returns the number of pages handled.
func Collect(ctx context.Context, it *Iterator, fn func(page Page, body []byte) error) (int, error) {
	handled := 0
	for page, err := range it.Pages(ctx) {
		if err != nil {
			return handled, err
		}

		body, err := io.ReadAll(page.Response.Body)
		page.Response.Body.Close()
		if err != nil {
			return handled, fmt.Errorf("read page %d: %w", page.Count, err)
		}

		if err := fn(page, body); err != nil {
			return handled, err
		}
		handled++

		// Progress logging every 50 pages
		if handled%50 == 0 {
			it.logger.Info().Int("pages", handled).Msg("Pagination progress")
		}
	}
	return handled, nil
}

// NextLink returns the rel="next" target of the Link header, resolved
// against the request URL. It returns "" when there is none.
func NextLink(resp *http.Response) string {
	links := linkheader.ParseMultiple(resp.Header.Values("Link")).FilterByRel("next")
	if len(links) == 0 || links[0].URL == "" {
		return ""
	}

	ref, err := url.Parse(links[0].URL)
	if err != nil {
		return ""
	}
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.ResolveReference(ref).String()
	}
	return ref.String()
}
