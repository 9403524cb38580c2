package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/eventscope/eventscope/models"
)

// hashSep keeps tuple members from bleeding into each other.
const hashSep = "\x1f"

// ContentHash computes the stable digest used as the fallback idempotency
// key when a module supplies no stable event id. It covers the identifying
// fields only: title, start instant, venue, city and url host+path, all
// normalized, so a re-scrape of the same page hashes identically.
func ContentHash(ev models.EventRaw) string {
	h := sha256.New()

	parts := []string{
		strings.ToLower(strings.TrimSpace(ev.Title)),
		ev.StartDatetime.UTC().Format(time.RFC3339),
		strings.ToLower(strings.TrimSpace(ev.VenueName)),
		strings.ToLower(strings.TrimSpace(ev.City)),
		hostPath(ev.URL),
	}

	h.Write([]byte(strings.Join(parts, hashSep)))

	// 128 bits is plenty for a per-source dedup key.
	return hex.EncodeToString(h.Sum(nil)[:16])
}
