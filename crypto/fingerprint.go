package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CertificateFingerprint returns the SHA-256 of der as lowercase hex pairs
// joined by colons.
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)

	var b strings.Builder
	b.Grow(len(sum)*3 - 1)
	for i, v := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex.EncodeToString([]byte{v}))
	}
	return b.String()
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase
// chars, for reading aloud during pairing.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.NewReplacer(":", "", " ", "").Replace(fingerprint))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

// ShortFingerprint returns the first eight hex pairs, for log lines.
func ShortFingerprint(fingerprint string) string {
	const pairs = 8
	if len(fingerprint) <= pairs*3-1 {
		return fingerprint
	}
	return fingerprint[:pairs*3-1]
}
