// Package signing verifies and produces HMAC signatures over canonicalized
// observation facts. A key ring keeps the newest keys acceptable across
// rotations; signing always uses the current key.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/HomoYouDidnt/kloros/internal/config"
)

// ErrSignature marks a failed HMAC verification.
var ErrSignature = errors.New("signature verification failed")

// Ring holds the ordered key material.
type Ring struct {
	current string
	keys    []namedKey // newest first
}

type namedKey struct {
	id     string
	secret []byte
}

// LoadRing reads the keys artifact and retains at most ringSize keys.
func LoadRing(path string, ringSize int) (*Ring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys file: %w", err)
	}
	var kf config.KeyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse keys file: %w", err)
	}
	return NewRing(kf, ringSize)
}

// NewRing builds a ring from an in-memory key file.
func NewRing(kf config.KeyFile, ringSize int) (*Ring, error) {
	if kf.Current == "" {
		return nil, fmt.Errorf("keys file names no current key")
	}
	if ringSize <= 0 {
		ringSize = 2
	}
	order := kf.Order
	if len(order) == 0 {
		order = []string{kf.Current}
	}
	r := &Ring{current: kf.Current}
	for _, id := range order {
		hexSecret, ok := kf.Keys[id]
		if !ok {
			return nil, fmt.Errorf("key %q listed in order but missing material", id)
		}
		secret, err := hex.DecodeString(hexSecret)
		if err != nil {
			return nil, fmt.Errorf("key %q is not hex: %w", id, err)
		}
		r.keys = append(r.keys, namedKey{id: id, secret: secret})
		if len(r.keys) >= ringSize {
			break
		}
	}
	if _, err := r.secretFor(kf.Current); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Ring) secretFor(id string) ([]byte, error) {
	for _, k := range r.keys {
		if k.id == id {
			return k.secret, nil
		}
	}
	return nil, fmt.Errorf("current key %q not in ring", id)
}

// Canonicalize renders facts as deterministic bytes: JSON with sorted keys.
// The signature field itself is excluded.
func Canonicalize(facts map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, facts[k])
	}
	return json.Marshal(ordered)
}

// Sign produces a hex HMAC-SHA256 over the canonicalized facts using the
// current key.
func (r *Ring) Sign(facts map[string]interface{}) (string, error) {
	secret, err := r.secretFor(r.current)
	if err != nil {
		return "", err
	}
	payload, err := Canonicalize(facts)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize facts: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature against every ring member, newest first.
func (r *Ring) Verify(facts map[string]interface{}, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrSignature)
	}
	payload, err := Canonicalize(facts)
	if err != nil {
		return fmt.Errorf("failed to canonicalize facts: %w", err)
	}
	for _, k := range r.keys {
		mac := hmac.New(sha256.New, k.secret)
		mac.Write(payload)
		if hmac.Equal(mac.Sum(nil), sig) {
			return nil
		}
	}
	return ErrSignature
}

// CurrentKeyID names the signing key.
func (r *Ring) CurrentKeyID() string {
	return r.current
}
