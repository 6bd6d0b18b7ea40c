// Package proof understands the two prover facing documents proofd deals
// with: the textual prover output carrying public values and the JSON proof
// document clients submit for verification.
package proof

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNoProof       = errors.New("no proof provided")
	ErrInvalidFormat = errors.New("invalid proof format")
)

// required members of a proof document
var required = []string{"score_data", "merkle_root", "proof_path"}

// PublicValues extracts the values of lines shaped `public N: 0xHEX` in
// order of appearance. Malformed lines are skipped.
func PublicValues(output string) []uint64 {
	var ret []uint64
	s := bufio.NewScanner(strings.NewReader(output))
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if !strings.HasPrefix(line, "public ") {
			continue
		}
		_, hex, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		hex = strings.TrimSpace(hex)
		digits, ok := strings.CutPrefix(hex, "0x")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(digits, 16, 64)
		if err != nil {
			continue
		}
		ret = append(ret, v)
	}
	return ret
}

type Request struct {
	Proof map[string]json.RawMessage `json:"proof"`
}

// Verify checks the shape of a proof document. Cryptographic verification
// is out of scope, a well formed document is reported as verified.
func Verify(doc map[string]json.RawMessage) error {
	if doc == nil {
		return ErrNoProof
	}
	var missing []string
	for _, key := range required {
		v, ok := doc[key]
		if !ok || len(v) == 0 || string(v) == "null" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidFormat, strings.Join(missing, ", "))
	}
	return nil
}
