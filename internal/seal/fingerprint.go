package seal

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Domain prefix for fingerprint hashing. Version suffix enables future
// algorithm migration.
const domainFingerprint = "fieldsync/fingerprint/v1"

// Fingerprint computes a stable hash over device-identifying attributes
// (model, OS version, locale, screen metrics...). The same attribute set
// always produces the same fingerprint, so a returning installation can be
// recognized.
//
// Attributes are NFC-normalized and key-sorted before hashing so that
// Unicode representation and map iteration order cannot perturb the result.
func Fingerprint(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(domainFingerprint))
	h.Write([]byte{0x00}) // Null separator prevents domain/data boundary ambiguity
	for _, k := range keys {
		h.Write([]byte(norm.NFC.String(k)))
		h.Write([]byte{0x1f}) // Unit separator between key and value
		h.Write([]byte(norm.NFC.String(attrs[k])))
		h.Write([]byte{0x1e}) // Record separator between pairs
	}
	return hex.EncodeToString(h.Sum(nil))
}
