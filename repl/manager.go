package repl

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kfsgo/chunksrv/cmn/nlog"
)

// PeerDialer resolves a Request's Location into a concrete Peer. A single
// Engine is long-lived; peers come and go per-request, so the Engine
// never owns peer connections directly (repl/peerclient implements this).
type PeerDialer interface {
	Dial(ctx context.Context, location string) (Peer, error)
}

// StripedReaderFactory builds a fresh StripedReader for one recovery
// job's geometry (repl/rsreader implements this).
type StripedReaderFactory interface {
	New() StripedReader
}

// Engine is the top-level object gluing C1-C8 together: it accepts
// Requests, decides replication vs. recovery, enforces the in-flight
// registry and buffer-quota gate, and dispatches to whichever job state
// machine applies. Modelled on ec/manager.go's Manager: one RWMutex-free
// struct holding fixed collaborators plus a live ParamStore, with
// constructors that build one job per accepted Request.
type Engine struct {
	store    ChunkStore
	dialer   PeerDialer
	readers  StripedReaderFactory
	params   *ParamStore
	stats    *Stats
	gate     *BufferGate
	registry *Registry
	bridge   *Bridge

	auth Authenticator // optional; nil means auth is not enforced (§6)

	disk          *DiskPressureSampler // optional; nil disables the disk-pressure admission check
	diskDevice    func(req *Request) string
	diskThreshold float64
}

// NewEngine wires the fixed collaborators. quota is the buffer-quota
// gate's total byte budget (§4.2); params seeds the live-tunable config
// (nil selects the built-in defaults).
func NewEngine(ctx context.Context, store ChunkStore, dialer PeerDialer, readers StripedReaderFactory, quota int64, params *Params, reg prometheus.Registerer) *Engine {
	ps := NewParamStore(params)
	e := &Engine{
		store:    store,
		dialer:   dialer,
		readers:  readers,
		params:   ps,
		stats:    NewStats(reg),
		gate:     NewBufferGate(quota),
		registry: NewRegistry(),
	}
	e.bridge = NewBridge(ctx, ps.Get().RSReader.MaxRecoveryThreads)
	return e
}

// SetAuthenticator installs the inbound-credential check (§6); passing nil
// disables enforcement.
func (e *Engine) SetAuthenticator(a Authenticator) {
	e.auth = a
}

// SetDiskPressureSampler wires a disk-pressure input into admission: a
// Request whose device (as named by the device func) is over thresholdPct
// busy is rejected before a job is even constructed, supplementing the
// byte-quota check C2 already performs. Passing a nil sampler disables the
// check.
func (e *Engine) SetDiskPressureSampler(s *DiskPressureSampler, device func(req *Request) string, thresholdPct float64) {
	e.disk = s
	e.diskDevice = device
	e.diskThreshold = thresholdPct
}

// Reconfigure validates and installs a new live-tunable config snapshot,
// and resizes the recovery thread pool if rsReader.maxRecoveryThreads
// changed (§6, §8 invariant "config reload is atomic and live").
func (e *Engine) Reconfigure(p *Params) error {
	if err := e.params.Apply(p); err != nil {
		return err
	}
	e.bridge.Resize(p.RSReader.MaxRecoveryThreads)
	return nil
}

// Submit accepts one Request, runs the in-flight registry's admission
// check (C1), and dispatches to a replication or recovery job. It never
// blocks on the job itself: replication jobs run on a dispatcher-owned
// goroutine started here, recovery jobs are handed to the bridge.
//
// Submit returns an error, without sending a Response, when the request
// is malformed, fails authentication, targets a device over the
// disk-pressure threshold, or its peer cannot be dialed. Buffer-quota
// admission (§4.2) happens later, inside the job, once it holds the
// registry slot.
func (e *Engine) Submit(ctx context.Context, req *Request) error {
	if req.ChunkID == "" || req.FileID == "" {
		return ErrInvalidArgument("ChunkID and FileID are required")
	}
	if e.auth != nil {
		if err := e.auth.Authenticate(ctx, req); err != nil {
			return err
		}
	}
	if e.disk != nil && e.diskDevice != nil {
		if dev := e.diskDevice(req); e.disk.IsBusy(dev, e.diskThreshold) {
			return ErrOutOfMemory(fmt.Sprintf("device %s is over the disk-pressure admission threshold", dev))
		}
	}

	params := e.params.Get()

	if req.IsRecovery() {
		reader := e.readers.New()
		job := newRecoveryJob(req, e.store, reader, params.RSReader, e.stats, e.gate, e.registry)
		if !e.registry.Insert(job) {
			job.finalize(ctx, -1, ErrCancelled())
			return nil
		}
		e.bridge.Submit(job)
		return nil
	}

	peer, err := e.dialer.Dial(ctx, req.Location)
	if err != nil {
		return ErrHostUnreachable(fmt.Sprintf("dial %s failed", req.Location), err)
	}
	job := newReplicationJob(req, e.store, peer, params.Replicator, e.stats, e.gate, e.registry)
	if !e.registry.Insert(job) {
		job.finalize(ctx, -1, ErrCancelled())
		return nil
	}
	go job.run(ctx)
	return nil
}

// CancelChunk cancels the in-flight job for chunkID iff it was created
// for targetVersion, matching the source's "cancel is scoped to the
// version it was issued against" rule (§4.1).
func (e *Engine) CancelChunk(chunkID string, targetVersion int64) bool {
	cancelled := e.registry.CancelByVersion(chunkID, targetVersion)
	if cancelled {
		nlog.Infof("[repl] cancelled chunk %s at version %d", chunkID, targetVersion)
	}
	return cancelled
}

// CancelAll cancels every in-flight job, e.g. on shutdown or a storage
// node demotion (§4.1).
func (e *Engine) CancelAll() {
	e.registry.CancelAll()
}

// Stats returns a point-in-time snapshot of the engine's counters (§3).
func (e *Engine) Stats() Snapshot {
	return e.stats.Snapshot()
}

// Shutdown drains the recovery thread pool; replication jobs are expected
// to observe ctx cancellation on their own (they are plain goroutines
// started with the caller's context).
func (e *Engine) Shutdown() error {
	return e.bridge.Wait()
}
