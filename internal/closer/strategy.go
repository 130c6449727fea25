package closer

import (
	"time"

	"funding-arb/internal/connector"
)

type Strategy string

const (
	UltraFast Strategy = "ultra-fast"
	Hybrid    Strategy = "hybrid"
)

const (
	DefaultUltraFastTarget = 3 * time.Second
	DefaultHybridTarget    = 15 * time.Second
)

// Select picks ultra-fast only when every leg's exchange pushes order updates.
func Select(caps ...connector.Capabilities) Strategy {
	if len(caps) == 0 {
		return Hybrid
	}
	for _, c := range caps {
		if !c.OrderStream {
			return Hybrid
		}
	}
	return UltraFast
}

func legCapabilities(legs []Leg) []connector.Capabilities {
	out := make([]connector.Capabilities, 0, len(legs))
	for _, leg := range legs {
		out = append(out, leg.Conn.Capabilities())
	}
	return out
}
