package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

const sha256Algorithm = "sha256"

// canonical renders v into its canonical byte form: object keys sorted
// alphabetically at every level and no insignificant whitespace. v is
// marshaled once, decoded into generic maps (numbers kept as json.Number so
// their text is unchanged), and marshaled again; encoding/json sorts map
// keys, so struct fields come out in sorted order too.
func canonical(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Sha256Digest computes the SHA-256 digest over an already-canonicalized
// byte form.
func Sha256Digest(canonicalBytes []byte) Digest {
	sum := sha256.Sum256(canonicalBytes)
	return Digest{Algorithm: sha256Algorithm, Hex: hex.EncodeToString(sum[:])}
}

// DigestOf canonicalizes v and returns its SHA-256 digest. It panics only if
// v contains a value encoding/json cannot marshal (channels, funcs), which
// none of this package's hashed types do.
func DigestOf(v any) Digest {
	b, err := canonical(v)
	if err != nil {
		panic("workflow: value is not canonicalizable: " + err.Error())
	}
	return Sha256Digest(b)
}

// DedupeKey computes a fast, non-cryptographic content-dedupe key for a
// large step-output blob ahead of external artifact storage. It is
// deliberately blake3, not SHA-256: nothing downstream treats it as a
// verifiable digest the way workflowHash/planHash/attestation signatures
// are — see DESIGN.md for why the two hash algorithms are kept distinct.
func DedupeKey(blob []byte) string {
	sum := blake3.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
