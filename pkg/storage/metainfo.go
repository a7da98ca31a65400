// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"encoding/hex"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/util/regionmap"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// storeMeta is everything a Store persists besides its records.
type storeMeta struct {
	branch   uuid.UUID
	history  BranchHistory
	versions *VersionMap
}

type versionEntryFile struct {
	Left      string `yaml:"left"`
	Right     string `yaml:"right,omitempty"`
	PastAll   bool   `yaml:"past_all_keys,omitempty"`
	Branch    string `yaml:"branch,omitempty"`
	Timestamp uint64 `yaml:"timestamp,omitempty"`
}

type branchFile struct {
	Branch          string `yaml:"branch"`
	ParentBranch    string `yaml:"parent_branch,omitempty"`
	ParentTimestamp uint64 `yaml:"parent_timestamp,omitempty"`
}

type metainfoFile struct {
	Branch   string             `yaml:"branch,omitempty"`
	History  []branchFile       `yaml:"history,omitempty"`
	Versions []versionEntryFile `yaml:"versions"`
}

func encodeBranch(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func decodeBranch(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

func encodeStoreMeta(m storeMeta) ([]byte, error) {
	f := metainfoFile{Branch: encodeBranch(m.branch)}
	for id, birth := range m.history {
		f.History = append(f.History, branchFile{
			Branch:          id.String(),
			ParentBranch:    encodeBranch(birth.Parent.Branch),
			ParentTimestamp: birth.Parent.Timestamp,
		})
	}
	for _, e := range m.versions.Entries() {
		ef := versionEntryFile{
			Left:      hex.EncodeToString(e.Range.Left),
			PastAll:   e.Range.Right.Unbounded,
			Branch:    encodeBranch(e.Value.Branch),
			Timestamp: e.Value.Timestamp,
		}
		if !e.Range.Right.Unbounded {
			ef.Right = hex.EncodeToString(e.Range.Right.Key)
		}
		f.Versions = append(f.Versions, ef)
	}
	return yaml.Marshal(&f)
}

func decodeStoreMeta(b []byte) (storeMeta, error) {
	var f metainfoFile
	if err := yaml.UnmarshalStrict(b, &f); err != nil {
		return storeMeta{}, errors.Wrap(err, "parsing store metainfo")
	}
	m := storeMeta{history: BranchHistory{}}
	var err error
	if m.branch, err = decodeBranch(f.Branch); err != nil {
		return storeMeta{}, errors.Wrap(err, "decoding branch")
	}
	for _, bf := range f.History {
		id, err := decodeBranch(bf.Branch)
		if err != nil {
			return storeMeta{}, errors.Wrap(err, "decoding branch history")
		}
		parent, err := decodeBranch(bf.ParentBranch)
		if err != nil {
			return storeMeta{}, errors.Wrap(err, "decoding branch history")
		}
		m.history[id] = BranchBirth{Parent: Version{Branch: parent, Timestamp: bf.ParentTimestamp}}
	}
	entries := make([]regionmap.Entry[Version], 0, len(f.Versions))
	for _, ef := range f.Versions {
		left, err := hex.DecodeString(ef.Left)
		if err != nil {
			return storeMeta{}, errors.Wrap(err, "decoding versions")
		}
		right := keys.PastAll()
		if !ef.PastAll {
			k, err := hex.DecodeString(ef.Right)
			if err != nil {
				return storeMeta{}, errors.Wrap(err, "decoding versions")
			}
			right = keys.MakeRightBound(k)
		}
		branch, err := decodeBranch(ef.Branch)
		if err != nil {
			return storeMeta{}, errors.Wrap(err, "decoding versions")
		}
		entries = append(entries, regionmap.Entry[Version]{
			Range: keys.MakeRange(left, right),
			Value: Version{Branch: branch, Timestamp: ef.Timestamp},
		})
	}
	if m.versions, err = regionmap.FromEntries(entries); err != nil {
		return storeMeta{}, errors.Wrap(err, "decoding versions")
	}
	return m, nil
}
