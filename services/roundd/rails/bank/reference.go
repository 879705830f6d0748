package bank

import (
	"encoding/base32"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

const referencePrefix = "FR"

var (
	referenceEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
	referencePattern  = regexp.MustCompile(`\bFR[\s\-]*([A-Z2-7]{4})[\s\-]*([A-Z2-7]{4})\b`)
)

// ReferenceCode derives the wire reference an investor must quote for an
// investment. The code is stable for the lifetime of the investment.
func ReferenceCode(investmentID uuid.UUID) string {
	digest := blake3.Sum256(investmentID[:])
	encoded := referenceEncoding.EncodeToString(digest[:])[:8]
	return referencePrefix + "-" + encoded[:4] + "-" + encoded[4:]
}

// ReferenceCandidates extracts every distinct reference code from free-form
// remittance text, in order. Banks routinely strip dashes or change case, so
// "fr abcd efgh" and "FRABCDEFGH" both normalize to "FR-ABCD-EFGH". Ordinary
// words can look like a code ("FRIENDSHIP" reads as FR-IEND-SHIP), so callers
// resolve each candidate.
func ReferenceCandidates(text string) []string {
	matches := referencePattern.FindAllStringSubmatch(strings.ToUpper(text), -1)
	var out []string
	seen := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		code := referencePrefix + "-" + match[1] + "-" + match[2]
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
