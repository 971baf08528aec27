// Package cache stores stage payloads under a fingerprint of the stage kind
// and its canonicalized input.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the contract shared by every backend. A Put must be visible to
// later Gets of the same key on the same node.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Entry is one cached value.
type Entry struct {
	Key       string    `json:"fingerprint"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether e is logically absent at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

const keyPrefix = "synergy:cache:"

// Fingerprint hashes kind and input into a deterministic key. The input is
// round-tripped through a generic JSON value so object keys are sorted at
// every depth, including inside raw upstream payloads.
func Fingerprint(kind string, input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint input: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("canonicalize fingerprint input: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal canonical input: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonical)
	return keyPrefix + kind + ":" + hex.EncodeToString(h.Sum(nil)), nil
}
