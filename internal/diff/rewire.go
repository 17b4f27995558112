package diff

// ServiceRewirer abstracts the act of pointing a listener's live service
// at a different set of backend targets, e.g. swapping "main only" for
// "main plus others" when entering COMPARING and back on STOPPING (ground:
// DiffRouter::rewire_service_for_comparison / _for_normalcy). Kept as an
// interface per the spec's Non-goals around prescribing exact service
// topology primitives; a concrete implementation plugs in at the
// admin/API layer where the listener's backend set actually lives.
type ServiceRewirer interface {
	RewireForComparison(mainTarget string, otherTargets []string) error
	RewireForNormalcy(mainTarget string) error
}

// NoopRewirer is used when the proxy's single listener always serves both
// main and others and no rewiring is actually needed — the default for a
// dedicated diff-proxy process (as opposed to MaxScale, which rewires a
// shared service in place).
type NoopRewirer struct{}

func (NoopRewirer) RewireForComparison(string, []string) error { return nil }
func (NoopRewirer) RewireForNormalcy(string) error              { return nil }
