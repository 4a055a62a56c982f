package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Fingerprint derives the stable identity of a finding so repeated
// ingests of the same file upsert instead of duplicating. The window key
// is the UTC hour of the first matching event, which is a pure function
// of file content.
func Fingerprint(ruleID, siteID, subject string, firstSeen time.Time) string {
	windowKey := firstSeen.UTC().Truncate(time.Hour).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", ruleID, siteID, subject, windowKey)))
	return hex.EncodeToString(sum[:16])
}
