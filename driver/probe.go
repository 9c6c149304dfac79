package driver

import (
	"fmt"
	"time"

	"braillecore.dev/brl/transport"
)

// ProbeConfig bounds a driver's identity probe (spec.md §4.2 "Probe"):
// send an identity request, await a matching reply with a bounded retry
// count and per-attempt timeout.
type ProbeConfig struct {
	RetryLimit   int
	InputTimeout time.Duration
}

// Probe sends req via t.Write, then waits for a reply accepted by
// accept, retrying up to cfg.RetryLimit times. accept receives
// accumulated bytes and reports ok once a full, valid reply has been
// seen, or wantMore to keep reading within the same attempt. It fails
// the construct if no matching reply arrives within
// RetryLimit*InputTimeout (spec.md §4.2).
func Probe(t transport.Transport, req []byte, cfg ProbeConfig, accept func(buf []byte) (ok, wantMore bool)) ([]byte, error) {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 1
	}
	var lastErr error
	for attempt := 0; attempt < cfg.RetryLimit; attempt++ {
		if len(req) > 0 {
			if _, err := t.Write(req); err != nil {
				lastErr = err
				continue
			}
		}
		var buf []byte
		deadline := time.Now().Add(cfg.InputTimeout)
		for time.Now().Before(deadline) {
			chunk := make([]byte, 64)
			n, err := t.Read(chunk, cfg.InputTimeout, cfg.InputTimeout)
			if err != nil {
				lastErr = err
				break
			}
			if n == 0 {
				continue
			}
			buf = append(buf, chunk[:n]...)
			ok, wantMore := accept(buf)
			if ok {
				return buf, nil
			}
			if !wantMore {
				break
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("driver: probe: no matching reply within %d attempts", cfg.RetryLimit)
	}
	return nil, fmt.Errorf("driver: probe failed: %w", lastErr)
}
