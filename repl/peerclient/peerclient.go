// Package peerclient implements repl.Peer over HTTP, matching the
// intra-cluster fasthttp client idiom transport/client_fasthttp.go uses,
// layered with a circuit breaker and bounded retries so a flaky peer
// degrades gracefully instead of stalling every replication job that
// targets it (§6 "Outbound (peer, replication)").
package peerclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"github.com/valyala/fasthttp"

	"github.com/kfsgo/chunksrv/repl"
)

const userAgent = "chunksrv/replicate"

// Client is a repl.Peer backed by a single remote chunk server, reached
// over plain HTTP via a pooled fasthttp.Client (one Client instance is
// meant to be reused across many requests to the same peer, as fasthttp
// itself expects).
type Client struct {
	httpClient *fasthttp.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker[*fasthttp.Response]
	maxRetries uint
}

// New dials no connection eagerly; fasthttp connects lazily on first use.
// baseURL is the peer's "scheme://host:port" prefix.
func New(baseURL string, maxRetries uint) *Client {
	cl := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return fasthttp.DialTimeout(addr, 10*time.Second)
		},
		ReadBufferSize:  4 << 10,
		WriteBufferSize: 4 << 10,
	}
	breaker := gobreaker.NewCircuitBreaker[*fasthttp.Response](gobreaker.Settings{
		Name:        "peerclient:" + baseURL,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	return &Client{httpClient: cl, baseURL: baseURL, breaker: breaker, maxRetries: maxRetries}
}

// Dialer implements repl.PeerDialer, caching one Client per distinct
// location so repeated replication jobs against the same peer reuse its
// connection pool and circuit breaker state instead of rebuilding both on
// every request.
type Dialer struct {
	maxRetries uint

	mu      sync.Mutex
	clients map[string]*Client
}

func NewDialer(maxRetries uint) *Dialer {
	return &Dialer{maxRetries: maxRetries, clients: make(map[string]*Client)}
}

func (d *Dialer) Dial(_ context.Context, location string) (repl.Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[location]; ok {
		return c, nil
	}
	c := New(location, d.maxRetries)
	d.clients[location] = c
	return c, nil
}

func (c *Client) GetChunkMetadata(ctx context.Context, chunkID string, readVerify bool) (size, version int64, err error) {
	url := fmt.Sprintf("%s/chunkmeta?chunkid=%s&verify=%t", c.baseURL, chunkID, readVerify)
	res, err := c.doWithRetry(ctx, url)
	if err != nil {
		return 0, 0, err
	}
	defer fasthttp.ReleaseResponse(res)

	size, err = strconv.ParseInt(string(res.Header.Peek("X-Chunk-Size")), 10, 64)
	if err != nil {
		return 0, 0, repl.ErrFault("peer metadata response missing X-Chunk-Size")
	}
	version, err = strconv.ParseInt(string(res.Header.Peek("X-Chunk-Version")), 10, 64)
	if err != nil {
		return 0, 0, repl.ErrFault("peer metadata response missing X-Chunk-Version")
	}
	return size, version, nil
}

func (c *Client) Read(ctx context.Context, chunkID string, version int64, offset, numBytes int64, skipVerifyDiskChecksum bool) (repl.ReadResult, error) {
	url := fmt.Sprintf("%s/chunk?chunkid=%s&version=%d&offset=%d&length=%d&skipverify=%t",
		c.baseURL, chunkID, version, offset, numBytes, skipVerifyDiskChecksum)
	res, err := c.doWithRetry(ctx, url)
	if err != nil {
		return repl.ReadResult{}, err
	}
	defer fasthttp.ReleaseResponse(res)

	if res.StatusCode() == fasthttp.StatusPreconditionFailed {
		return repl.ReadResult{}, repl.ErrBadChecksum("peer reported on-disk checksum mismatch")
	}
	if res.StatusCode() != fasthttp.StatusOK {
		return repl.ReadResult{}, repl.ErrFault(fmt.Sprintf("peer returned status %d", res.StatusCode()))
	}
	body := append([]byte(nil), res.Body()...)
	atEnd := string(res.Header.Peek("X-At-Chunk-End")) == "true"
	return repl.ReadResult{Data: body, AtChunkEnd: atEnd}, nil
}

// doWithRetry issues one GET request, retrying transport failures with
// exponential backoff up to maxRetries times, and trips the circuit
// breaker on sustained failure so a dead peer fails fast for subsequent
// callers rather than paying the full retry budget every time (§5
// "outbound peer failures must not hang a job indefinitely"). The caller
// owns the returned response and must release it.
func (c *Client) doWithRetry(ctx context.Context, url string) (*fasthttp.Response, error) {
	op := func() (*fasthttp.Response, error) {
		return c.breaker.Execute(func() (*fasthttp.Response, error) {
			req := fasthttp.AcquireRequest()
			resp := fasthttp.AcquireResponse()
			req.Header.SetMethod(fasthttp.MethodGet)
			req.SetRequestURI(url)
			req.Header.Set("User-Agent", userAgent)

			deadline, ok := ctx.Deadline()
			var doErr error
			if ok {
				doErr = c.httpClient.DoDeadline(req, resp, deadline)
			} else {
				doErr = c.httpClient.Do(req, resp)
			}
			fasthttp.ReleaseRequest(req)
			if doErr != nil {
				fasthttp.ReleaseResponse(resp)
				return nil, doErr
			}
			return resp, nil
		})
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(c.maxRetries+1),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		return nil, repl.ErrHostUnreachable("peer request failed after retries", err)
	}
	return result, nil
}
