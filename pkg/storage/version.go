// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/util/regionmap"
	"github.com/cockroachdb/redact"
	"github.com/google/uuid"
)

// Version identifies the state of a range of data: the branch of history it
// is on and the timestamp of the last write along that branch. The zero
// Version is the empty state every store starts from.
type Version struct {
	Branch    uuid.UUID
	Timestamp uint64
}

// ZeroVersion is the version of a range that was never written.
var ZeroVersion = Version{}

// IsZero returns whether v is the zero version.
func (v Version) IsZero() bool {
	return v == ZeroVersion
}

// SafeFormat implements redact.SafeFormatter.
func (v Version) SafeFormat(w redact.SafePrinter, _ rune) {
	if v.IsZero() {
		w.SafeString("zero")
		return
	}
	w.Printf("%s@%d", redact.SafeString(v.Branch.String()[:8]), v.Timestamp)
}

func (v Version) String() string {
	return redact.StringWithoutMarkers(v)
}

// VersionMap maps sub-ranges of a store to their versions. This is the
// metainfo exchanged by the backfill protocol.
type VersionMap = regionmap.Map[Version]

// NewVersionMap returns a map over r where every key is at v.
func NewVersionMap(r keys.Range, v Version) *VersionMap {
	return regionmap.New(r, v)
}

// CoalesceVersions merges adjacent sub-ranges at the same version.
func CoalesceVersions(m *VersionMap) {
	m.Coalesce(func(a, b Version) bool { return a == b })
}

// BranchBirth records where a branch forked off: the version of its parent
// at the time.
type BranchBirth struct {
	Parent Version
}

// BranchHistory maps branches to their births. A branch missing from the
// history, or whose parent is the zero version, is a root.
type BranchHistory map[uuid.UUID]BranchBirth

// Merge adds the entries of o to h.
func (h BranchHistory) Merge(o BranchHistory) {
	for id, b := range o {
		h[id] = b
	}
}

// ancestry returns the chain of versions leading to v: v itself, then the
// fork point on its parent branch, and so on up to a root.
func (h BranchHistory) ancestry(v Version) []Version {
	chain := []Version{v}
	seen := map[uuid.UUID]bool{v.Branch: true}
	for {
		birth, ok := h[v.Branch]
		if !ok || birth.Parent.IsZero() || seen[birth.Parent.Branch] {
			return chain
		}
		v = birth.Parent
		seen[v.Branch] = true
		chain = append(chain, v)
	}
}

// CommonVersion returns the most recent version that both a and b descend
// from, according to the branch history h. Versions on unrelated branches
// only share the zero version.
func CommonVersion(a, b Version, h BranchHistory) Version {
	if a.IsZero() || b.IsZero() {
		return ZeroVersion
	}
	bChain := h.ancestry(b)
	for _, av := range h.ancestry(a) {
		for _, bv := range bChain {
			if av.Branch == bv.Branch {
				ts := av.Timestamp
				if bv.Timestamp < ts {
					ts = bv.Timestamp
				}
				return Version{Branch: av.Branch, Timestamp: ts}
			}
		}
	}
	return ZeroVersion
}

// CommonVersionMap computes the common version of a and b for every
// sub-range of a's domain, which b must cover.
func CommonVersionMap(a, b *VersionMap, h BranchHistory) *VersionMap {
	out := NewVersionMap(a.Domain(), ZeroVersion)
	a.Visit(a.Domain(), func(ar keys.Range, av Version) bool {
		b.Visit(ar, func(br keys.Range, bv Version) bool {
			out.Update(br, CommonVersion(av, bv, h))
			return true
		})
		return true
	})
	CoalesceVersions(out)
	return out
}
