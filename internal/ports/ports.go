// Package ports assigns each tenant a stable host port derived from
// its ID, so repeated deploys reuse the same port without a persisted
// mapping table.
package ports

import (
	"crypto/sha256"
	"encoding/binary"
)

const (
	// Base is the first port of the tenant range.
	Base = 9000
	// Range is the number of ports available to tenants.
	Range = 10000
)

// Allocate maps a tenant ID to a port in [Base, Base+Range). The
// mapping is a pure hash reduction: no side effects, stable across
// restarts. Distinct tenants can collide at the hash's natural rate;
// with more than Range live tenants a collision is guaranteed, so the
// range would need widening or a probe step before that scale.
func Allocate(tenantID string) int {
	sum := sha256.Sum256([]byte(tenantID))
	n := binary.BigEndian.Uint64(sum[:8])
	return Base + int(n%Range)
}
