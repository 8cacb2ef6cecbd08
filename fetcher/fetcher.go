// Package fetcher implements the page fetcher: an HTTP client with
// retry/backoff that downloads a page and hands its body to a link
// parser, rotating user agents per request from a fixed pool of realistic
// browser strings.
package fetcher

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/rehttp"
)

// ErrNonHTMLContent is returned when a response's Content-Type does not
// start with "text/html"; such a page is skipped with no persist and no
// retry.
var ErrNonHTMLContent = errors.New("non-html content")

// Parser extracts outbound links from a fetched page body.
type Parser interface {
	Parse(baseURL string, body io.Reader) ([]*url.URL, error)
}

// Result is the outcome of fetching and parsing a single page.
type Result struct {
	StatusCode int
	Body       string
	Links      []*url.URL
	Elapsed    time.Duration
}

// Fetcher downloads pages over HTTP/1.1 with bounded connect/read timeouts
// and exponential-backoff retry on transient failures.
type Fetcher struct {
	userAgents []string
	parser     Parser
	client     *http.Client
}

// New builds a Fetcher. connectTimeout bounds dialing, readTimeout bounds
// the full request round trip; both come from config so they can be tuned
// without recompiling. Transient failures (temporary network errors and
// 500/502/503/504 responses) are retried up to three times with exponential jitter
// backoff starting at 300ms.
func New(userAgents []string, parser Parser, connectTimeout, readTimeout time.Duration) *Fetcher {
	transport := rehttp.NewTransport(
		&http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			MaxIdleConnsPerHost: 20,
		},
		rehttp.RetryAll(
			rehttp.RetryMaxRetries(3),
			rehttp.RetryAny(
				rehttp.RetryTemporaryErr(),
				rehttp.RetryStatuses(http.StatusInternalServerError, http.StatusBadGateway,
					http.StatusServiceUnavailable, http.StatusGatewayTimeout),
			),
		),
		rehttp.ExpJitterDelay(300*time.Millisecond, 10*time.Second),
	)
	client := &http.Client{Timeout: readTimeout, Transport: transport}
	return &Fetcher{userAgents: userAgents, parser: parser, client: client}
}

func (f *Fetcher) randomUserAgent() string {
	if len(f.userAgents) == 0 {
		return "Mozilla/5.0 (compatible; distcrawler/1.0)"
	}
	return f.userAgents[rand.Intn(len(f.userAgents))]
}

func baseDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}

// FetchAndParse downloads targetURL and extracts its outbound links. A
// response with status 400 or above, a non-HTML Content-Type, or a parser
// error is returned as an error; the caller
// (the worker loop) is responsible for classifying it as transient or
// permanent and reacting accordingly.
func (f *Fetcher) FetchAndParse(targetURL string) (Result, error) {
	req, err := http.NewRequest(http.MethodGet, targetURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building request for %s: %w", targetURL, err)
	}
	req.Header.Set("User-Agent", f.randomUserAgent())

	start := time.Now()
	resp, err := f.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Result{Elapsed: elapsed}, fmt.Errorf("fetching %s: %w", targetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{StatusCode: resp.StatusCode, Elapsed: elapsed},
			fmt.Errorf("fetching %s: unexpected status %s", targetURL, resp.Status)
	}

	// A missing Content-Type counts as non-HTML: the empty string does not
	// start with "text/html".
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html") {
		return Result{StatusCode: resp.StatusCode, Elapsed: elapsed},
			fmt.Errorf("fetching %s: %w: %q", targetURL, ErrNonHTMLContent, contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Elapsed: elapsed},
			fmt.Errorf("reading body of %s: %w", targetURL, err)
	}

	var links []*url.URL
	if f.parser != nil {
		links, err = f.parser.Parse(baseDomain(targetURL), bytes.NewReader(body))
		if err != nil {
			return Result{StatusCode: resp.StatusCode, Elapsed: elapsed},
				fmt.Errorf("parsing links from %s: %w", targetURL, err)
		}
	}

	return Result{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Links:      links,
		Elapsed:    elapsed,
	}, nil
}
