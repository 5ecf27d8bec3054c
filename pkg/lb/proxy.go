package lb

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// Proxy serves requests through the pool, retrying the next backend on a
// transport error. Responses the backend produced, even 5xx, are passed
// through untouched: only connection-level failures trigger a retry.
type Proxy struct {
	Pool       *Pool
	MaxRetries int
	Transport  http.RoundTripper
}

// NewProxy builds a proxy that tries up to 3 backends per request.
func NewProxy(pool *Pool) *Proxy {
	return &Proxy{Pool: pool, MaxRetries: 3}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tries := p.MaxRetries
	if tries < 1 {
		tries = 1
	}
	for attempt := 0; attempt < tries; attempt++ {
		backend, err := p.Pool.Next()
		if err != nil {
			http.Error(w, "no upstream available", http.StatusBadGateway)
			return
		}
		if p.forward(w, r, backend) {
			return
		}
		// Transport failure: demote for this request only and retry.
		log.Printf("lb: backend %s failed, retrying (%d/%d)", backend.URL, attempt+1, tries)
	}
	http.Error(w, "all upstreams failed", http.StatusBadGateway)
}

// forward proxies one attempt. It returns false when the backend could not
// be reached and nothing was written, so the caller may retry.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, backend *Backend) bool {
	backend.acquire()
	defer backend.release()

	ok := true
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backend.URL)
			pr.SetXForwarded()
		},
		Transport: p.Transport,
		ErrorHandler: func(http.ResponseWriter, *http.Request, error) {
			ok = false
		},
	}
	rp.ServeHTTP(w, r)
	return ok
}

// MustParseURL is a helper for wiring backends from config.
func MustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		log.Fatalf("lb: bad backend url %q: %v", raw, err)
	}
	return u
}
