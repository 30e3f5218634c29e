// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dumpstore // import "go.opentelemetry.io/kcrash/tools/percpu/dumpstore"

import (
	"encoding/hex"
	"fmt"
	"io"

	sha256 "github.com/minio/sha256-simd"
)

// ID is the SHA256 sum of the uncompressed contents of a dump. Equal dumps
// share one ID regardless of their file names or compression.
type ID [sha256.Size]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IDFromString parses the hex form returned by String.
func IDFromString(s string) (ID, error) {
	var id ID
	if hex.DecodedLen(len(s)) != len(id) {
		return ID{}, fmt.Errorf("dump ID '%s' is not %d hex digits", s, 2*len(id))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ID{}, fmt.Errorf("failed to parse dump ID: %w", err)
	}
	return id, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := IDFromString(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func calculateID(r io.Reader) (ID, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return ID{}, fmt.Errorf("failed to hash dump: %w", err)
	}
	var id ID
	h.Sum(id[:0])
	return id, nil
}
