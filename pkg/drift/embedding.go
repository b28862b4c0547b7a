package drift

import (
	"encoding/hex"
	"math"
	"sort"

	"github.com/verisimdb/verisimdb/pkg/types"
)

// Fingerprinter derives a comparison embedding from a non-vector payload.
// The default derivation is replaceable policy.
type Fingerprinter func(m types.Modality, p *types.Payload, contentHash string) []float64

// Embed derives the comparison embedding for one modality payload:
// the stored embedding for vector payloads, a character-distribution
// fingerprint for documents, the content hash prefix for hashed payloads,
// and length features otherwise.
func Embed(m types.Modality, p *types.Payload, contentHash string) []float64 {
	if p == nil {
		return nil
	}
	switch m {
	case types.ModalityVector:
		return p.Embedding
	case types.ModalityTensor:
		if len(p.Values) > 0 {
			return p.Values
		}
	case types.ModalityDocument:
		text := p.Text
		if text == "" {
			text = flattenFields(p)
		}
		return TextFingerprint(text)
	}
	if contentHash != "" {
		return hashVector(contentHash)
	}
	return lengthFeatures(p)
}

// TextFingerprint maps text onto a 4-bin character-distribution vector:
// letters, digits, whitespace, other, each normalised by length.
func TextFingerprint(text string) []float64 {
	v := make([]float64, 4)
	if len(text) == 0 {
		return v
	}
	for _, r := range text {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			v[0]++
		case r >= '0' && r <= '9':
			v[1]++
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			v[2]++
		default:
			v[3]++
		}
	}
	n := float64(len([]rune(text)))
	for i := range v {
		v[i] /= n
	}
	return v
}

// hashVector interprets the first 8 bytes of a hex content hash as a
// low-dimensional vector in [0,1).
func hashVector(contentHash string) []float64 {
	raw, err := hex.DecodeString(contentHash)
	if err != nil || len(raw) == 0 {
		return nil
	}
	n := 8
	if len(raw) < n {
		n = len(raw)
	}
	v := make([]float64, n)
	for i := 0; i < n; i++ {
		v[i] = float64(raw[i]) / 256.0
	}
	return v
}

// lengthFeatures is the last-resort embedding: sizes of each payload facet.
func lengthFeatures(p *types.Payload) []float64 {
	return []float64{
		float64(len(p.Fields)),
		float64(len(p.Triples)),
		float64(len(p.Text)),
		float64(len(p.Values)),
	}
}

func flattenFields(p *types.Payload) string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		out = append(out, k...)
		if s, ok := p.Fields[k].(string); ok {
			out = append(out, s...)
		}
	}
	return string(out)
}

// Cosine returns the cosine similarity of a and b, 0 when either is empty.
// Vectors of unequal length are compared over the shorter prefix.
func Cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Euclidean returns the euclidean distance; components past the end of the
// shorter vector are compared against zero.
func Euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	// Unmatched tail counts fully against the distance.
	for i := n; i < len(a); i++ {
		sum += a[i] * a[i]
	}
	for i := n; i < len(b); i++ {
		sum += b[i] * b[i]
	}
	return math.Sqrt(sum)
}

// Dot returns the dot product over the shorter prefix.
func Dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
