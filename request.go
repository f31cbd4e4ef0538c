package browserpool

import "time"

// DefaultWaitTime bounds WaitUntil when a request sets no WaitTime.
const DefaultWaitTime = 10 * time.Second

// Request describes a page to render in a pooled browser.
type Request struct {
	URL string

	// WaitUntil is a JavaScript expression polled after navigation until it
	// is truthy or WaitTime elapses.
	WaitUntil string
	WaitTime  time.Duration
	// WaitSleep is a fixed delay after the wait.
	WaitSleep time.Duration

	// Script runs in the page once waiting is over.
	Script     string
	Screenshot bool

	// UserAgent overrides the coordinator's user agent for this request.
	UserAgent string
	// Cookies are set for URL after it has loaded.
	Cookies map[string]string

	// CheckoutTimeout bounds how long the request waits for a session.
	CheckoutTimeout time.Duration
}

func (r Request) waitTime() time.Duration {
	if r.WaitTime > 0 {
		return r.WaitTime
	}
	return DefaultWaitTime
}
