package repl

import (
	"context"
	"testing"
)

// stubDialer gives NewEngine a non-nil PeerDialer whose Dial always
// fails, so a request that passes Submit's pre-admission checks stops at
// the dial step and no job is started.
type stubDialer struct{}

func (stubDialer) Dial(context.Context, string) (Peer, error) { return nil, ErrFault("unused") }

func TestEngineSubmitRejectsOnDiskPressure(t *testing.T) {
	e := NewEngine(context.Background(), nil, stubDialer{}, nil, 16<<20, nil, nil)

	sampler := &DiskPressureSampler{busyPct: map[string]float64{"disk0": 90}}
	e.SetDiskPressureSampler(sampler, func(*Request) string { return "disk0" }, 50)

	err := e.Submit(context.Background(), &Request{FileID: "f1", ChunkID: "c1", Location: "peer-a"})
	if err == nil {
		t.Fatalf("Submit should reject a request targeting a busy device")
	}
	if !IsKind(err, KindOutOfMemory) {
		t.Fatalf("expected KindOutOfMemory, got %v", err)
	}
}

func TestEngineSubmitAdmitsUnderDiskPressureThreshold(t *testing.T) {
	e := NewEngine(context.Background(), nil, stubDialer{}, nil, 16<<20, nil, nil)

	sampler := &DiskPressureSampler{busyPct: map[string]float64{"disk0": 10}}
	e.SetDiskPressureSampler(sampler, func(*Request) string { return "disk0" }, 50)

	// The dialer stub fails, but that failure must come from the dial
	// step, not the disk-pressure check -- proving admission passed.
	err := e.Submit(context.Background(), &Request{FileID: "f1", ChunkID: "c1", Location: "peer-a"})
	if !IsKind(err, KindHostUnreachable) {
		t.Fatalf("expected the request to pass admission and fail at dial, got %v", err)
	}
}
