package repl_test

import (
	"testing"

	"github.com/kfsgo/chunksrv/repl"
)

func TestParamStoreDefaultsAreValid(t *testing.T) {
	ps := repl.NewParamStore(nil)
	p := ps.Get()
	if p.RSReader.MaxRecoveryThreads < 1 {
		t.Fatalf("default MaxRecoveryThreads = %d, want >= 1", p.RSReader.MaxRecoveryThreads)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("defaultParams() should validate cleanly: %v", err)
	}
}

func TestParamStoreApplyRejectsInvalid(t *testing.T) {
	ps := repl.NewParamStore(nil)
	before := ps.Get()

	bad := *before
	bad.RSReader.MaxRecoveryThreads = 0
	if err := ps.Apply(&bad); err == nil {
		t.Fatalf("Apply should reject MaxRecoveryThreads=0")
	}
	if ps.Get().RSReader.MaxRecoveryThreads != before.RSReader.MaxRecoveryThreads {
		t.Fatalf("a rejected Apply must not mutate the live snapshot")
	}
}

func TestParamStoreApplySwapsLiveSnapshot(t *testing.T) {
	ps := repl.NewParamStore(nil)
	next := *ps.Get()
	next.RSReader.MaxRecoveryThreads = 99
	if err := ps.Apply(&next); err != nil {
		t.Fatalf("Apply of a valid snapshot should succeed: %v", err)
	}
	if got := ps.Get().RSReader.MaxRecoveryThreads; got != 99 {
		t.Fatalf("Get() after Apply = %d, want 99", got)
	}
}

func TestParamStoreRoundTripsJSON(t *testing.T) {
	ps := repl.NewParamStore(nil)
	ps.Get().RSReader.MaxRetryCount = 7 // mutating the pointee directly, pre-Apply

	data, err := ps.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	ps2 := repl.NewParamStore(nil)
	if err := ps2.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if got, want := ps2.Get().RSReader.MaxRetryCount, ps.Get().RSReader.MaxRetryCount; got != want {
		t.Fatalf("round-tripped MaxRetryCount = %d, want %d", got, want)
	}
}

func TestParamStoreUnmarshalRejectsInvalid(t *testing.T) {
	ps := repl.NewParamStore(nil)
	err := ps.UnmarshalJSON([]byte(`{"rsReader":{"maxRecoveryThreads":0}}`))
	if err == nil {
		t.Fatalf("UnmarshalJSON should reject a payload that fails Validate")
	}
}
