package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/minio/highwayhash"
)

// SourceLocal is the reserved source name for records originated by
// interactive users rather than an external system.
const SourceLocal = "local"

// SourceRef identifies a record within an external system: which system it
// came from, its identifier in that system's namespace, and optionally the
// source-side model the identifier belongs to (an ERP table, a CRM object).
// The (Source, SourceID) pair is the identity; SourceModel is descriptive.
type SourceRef struct {
	Source      string `json:"source"`
	SourceID    string `json:"source_id"`
	SourceModel string `json:"source_model,omitempty"`
}

func (r SourceRef) String() string {
	return r.Source + ":" + r.SourceID
}

// Validate returns an error if the reference is incomplete.
func (r SourceRef) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("missing source")
	}
	if r.SourceID == "" {
		return fmt.Errorf("missing source_id")
	}
	return nil
}

// sourceKeySeed keys the HighwayHash of SourceKey. It's fixed so that keys
// are stable across processes and restarts.
var sourceKeySeed = func() []byte {
	var b = make([]byte, 32)
	binary.LittleEndian.PutUint64(b[0:], 0x3f5ad4b2c91e8770)
	binary.LittleEndian.PutUint64(b[8:], 0xa8c1d6e2904b7f13)
	binary.LittleEndian.PutUint64(b[16:], 0x5e22bb0c4d18a9f6)
	binary.LittleEndian.PutUint64(b[24:], 0x91d07c3ae65f2488)
	return b
}()

// SourceKey returns a stable hex key for (entityType, ref). Keys of distinct
// references collide only with the usual 64-bit hash probability, which lets
// the canonical zone enforce per-source uniqueness with a flat index instead
// of scanning nested provenance arrays.
func SourceKey(et EntityType, ref SourceRef) string {
	var buf = make([]byte, 0, len(et)+len(ref.Source)+len(ref.SourceID)+2)
	buf = append(buf, string(et)...)
	buf = append(buf, 0)
	buf = append(buf, ref.Source...)
	buf = append(buf, 0)
	buf = append(buf, ref.SourceID...)

	var sum = highwayhash.Sum64(buf, sourceKeySeed)
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], sum)
	return hex.EncodeToString(out[:])
}
