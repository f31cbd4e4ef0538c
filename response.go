package browserpool

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/eskriett/browserpool/driver"
)

// Response is a rendered page. It holds the lease on the session that
// rendered it until Release or Discard is called.
type Response struct {
	URL        string
	Body       []byte
	Screenshot []byte
	Request    Request

	lease Lease
	pool  *Pool
}

// Lease returns the lease on the rendering session.
func (r *Response) Lease() Lease {
	return r.lease
}

// Driver gives direct access to the live browser while the lease is held.
func (r *Response) Driver() driver.Driver {
	return r.lease.Session().Driver()
}

// Refresh reads the page again without navigating. The returned response
// shares the lease.
func (r *Response) Refresh(ctx context.Context) (*Response, error) {
	d, err := r.held()
	if err != nil {
		return nil, err
	}

	current, err := d.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	html, err := d.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}

	return &Response{
		URL:     current,
		Body:    []byte(html),
		Request: r.Request,
		lease:   r.lease,
		pool:    r.pool,
	}, nil
}

// TakeScreenshot captures the page as it is now.
func (r *Response) TakeScreenshot(ctx context.Context) ([]byte, error) {
	d, err := r.held()
	if err != nil {
		return nil, err
	}
	return d.Screenshot(ctx)
}

// Document parses Body for selector queries.
func (r *Response) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.URL, err)
	}

	if u, err := url.Parse(r.URL); err == nil {
		doc.Url = u
	}

	return doc, nil
}

// Release hands the session back to the pool.
func (r *Response) Release() error {
	return r.pool.Release(r.lease)
}

// Discard destroys the session instead of returning it.
func (r *Response) Discard() error {
	return r.pool.Discard(r.lease)
}

func (r *Response) held() (driver.Driver, error) {
	if !r.pool.holds(r.lease) {
		return nil, ErrUnknownLease
	}
	return r.lease.Session().Driver(), nil
}
