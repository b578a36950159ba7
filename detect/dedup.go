package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"bastion/core"
	"bastion/metrics"
)

// Deduplicator suppresses repeated deliveries of the same event within a
// short horizon. Collectors retry on flaky links, so identical events can
// arrive more than once; the fingerprint ignores the delivery-assigned event
// ID and hashes the event's observable identity instead.
type Deduplicator struct {
	seen *expirable.LRU[string, struct{}]
}

// NewDeduplicator creates a deduplicator remembering up to size fingerprints
// for the given TTL.
func NewDeduplicator(size int, ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		seen: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// IsDuplicate reports whether an equivalent event was already seen, and
// records this one.
func (d *Deduplicator) IsDuplicate(e *core.Event) bool {
	fp := Fingerprint(e)
	if _, ok := d.seen.Get(fp); ok {
		metrics.EventsDeduplicated.Inc()
		return true
	}
	d.seen.Add(fp, struct{}{})
	return false
}

// Fingerprint hashes the identity-bearing attributes of an event.
func Fingerprint(e *core.Event) string {
	var b strings.Builder
	b.WriteString(e.EventTime.UTC().Format(time.RFC3339Nano))
	for _, s := range []string{
		e.SourceType, e.EventCode, e.Host, e.SubjectUser,
		e.SourceIP, e.TargetIP, e.ProcessName, e.RawData,
	} {
		b.WriteString(keySep)
		b.WriteString(s)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
