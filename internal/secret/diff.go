package secret

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/crypto/blake2b"

	"github.com/org/secretapproval/pkg/models"
)

// DiffStats counts changed lines in a unified diff.
type DiffStats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("secret: cbor encoder: %v", err))
	}
}

type fingerprintFields struct {
	Key     string `cbor:"1,keyasint"`
	Value   []byte `cbor:"2,keyasint"`
	Comment string `cbor:"3,keyasint"`
}

// Fingerprint is a content digest of a snapshot's key, value and comment.
// Equal content gives equal fingerprints regardless of version.
func Fingerprint(s models.SecretSnapshot) (string, error) {
	b, err := encMode.Marshal(fingerprintFields{Key: s.Key, Value: s.Value, Comment: s.Comment})
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// render lays a snapshot out as diffable lines. The value is shown only as
// a digest and a length.
func render(s *models.SecretSnapshot) (string, error) {
	if s == nil {
		return "", nil
	}
	sum := blake2b.Sum256(s.Value)
	fp, err := Fingerprint(*s)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "key: %s\n", s.Key)
	fmt.Fprintf(&b, "comment: %s\n", s.Comment)
	fmt.Fprintf(&b, "value: blake2b:%s (%d bytes)\n", hex.EncodeToString(sum[:8]), len(s.Value))
	fmt.Fprintf(&b, "fingerprint: %s\n", fp[:16])
	return b.String(), nil
}

// UnifiedDiff renders the change from one snapshot to another. A nil from
// is a creation and a nil to is a deletion. Identical inputs give an empty
// diff.
func UnifiedDiff(from, to *models.SecretSnapshot, name string) (string, DiffStats, error) {
	a, err := render(from)
	if err != nil {
		return "", DiffStats{}, err
	}
	b, err := render(to)
	if err != nil {
		return "", DiffStats{}, err
	}
	if a == b {
		return "", DiffStats{}, nil
	}

	fromFile, toFile := name+" (live)", name+" (proposed)"
	if from != nil {
		fromFile = fmt.Sprintf("%s (live v%d)", name, from.Version)
	}
	ud := difflib.UnifiedDiff{
		A:        splitLines(a),
		B:        splitLines(b),
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  3,
	}
	patch, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", DiffStats{}, err
	}

	var stats DiffStats
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			stats.Added++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			stats.Removed++
		}
	}
	return patch, stats, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
