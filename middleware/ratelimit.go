package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mnehpets/directserve/endpoint"
)

// RateLimitProcessor rejects requests with 429 once a client exceeds its
// token bucket. Clients are keyed by session ID when a session is present
// in the context, otherwise by remote IP.
type RateLimitProcessor struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*rateClient
	hits    uint64
}

type rateClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitProcessor allows rps requests per second per client with the
// given burst.
func NewRateLimitProcessor(rps float64, burst int) *RateLimitProcessor {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitProcessor{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*rateClient),
	}
}

// Process implements endpoint.Processor.
func (p *RateLimitProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if ok, wait := p.allow(clientKey(r), p.now()); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		return endpoint.Error(http.StatusTooManyRequests, "", nil)
	}
	return next(w, r)
}

// allow takes a token for key, returning the time until one is available
// when it cannot.
func (p *RateLimitProcessor) allow(key string, now time.Time) (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.clients[key]
	if !ok {
		c = &rateClient{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.clients[key] = c
	}
	c.lastSeen = now

	p.hits++
	if p.hits%512 == 0 {
		cutoff := now.Add(-p.idleTTL)
		for k, v := range p.clients {
			if v.lastSeen.Before(cutoff) {
				delete(p.clients, k)
			}
		}
	}

	if c.limiter.AllowN(now, 1) {
		return true, 0
	}
	res := c.limiter.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	res.CancelAt(now)
	if wait < time.Second {
		wait = time.Second
	}
	return false, wait
}

func clientKey(r *http.Request) string {
	if sess, ok := SessionFromContext(r.Context()); ok {
		if id := sess.ID(); id != "" {
			return "session:" + id
		}
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if remote == "" {
		return "ip:unknown"
	}
	return "ip:" + remote
}
