package diff

import (
	"testing"
	"time"
)

func TestRegistryGatesRepeatedExplains(t *testing.T) {
	reg := NewRegistry(2, time.Hour)
	now := time.Now()

	if _, gated := reg.IsExplained(now, 42, 1); gated {
		t.Fatalf("first explain should be allowed")
	}
	if _, gated := reg.IsExplained(now, 42, 2); gated {
		t.Fatalf("second explain (within max_entries) should be allowed")
	}
	priorIDs, gated := reg.IsExplained(now, 42, 3)
	if !gated {
		t.Fatalf("third explain should be gated once max_entries is reached")
	}
	if len(priorIDs) != 2 || priorIDs[0] != 1 || priorIDs[1] != 2 {
		t.Fatalf("expected prior explainer ids [1 2], got %v", priorIDs)
	}
}

func TestRegistryWindowExpires(t *testing.T) {
	reg := NewRegistry(1, time.Minute)
	base := time.Now()

	if _, gated := reg.IsExplained(base, 1, 1); gated {
		t.Fatalf("first explain should be allowed")
	}
	if _, gated := reg.IsExplained(base.Add(30*time.Second), 1, 2); !gated {
		t.Fatalf("explain within window should be gated")
	}
	if _, gated := reg.IsExplained(base.Add(2*time.Minute), 1, 3); gated {
		t.Fatalf("explain after window expiry should be allowed again")
	}
}

func TestRegistryIndependentPerHash(t *testing.T) {
	reg := NewRegistry(1, time.Hour)
	now := time.Now()
	if _, gated := reg.IsExplained(now, 1, 1); gated {
		t.Fatalf("hash 1 first explain should be allowed")
	}
	if _, gated := reg.IsExplained(now, 2, 1); gated {
		t.Fatalf("hash 2 first explain should be allowed independently of hash 1")
	}
}
