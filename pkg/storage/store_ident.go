// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"encoding/hex"
	"io"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// StoreIdentFilename is the name of the file identifying the store kept in
// a data directory. It is checked on startup so that a directory is never
// opened for a region other than the one it was created for.
const StoreIdentFilename = "STORE_IDENT"

// StoreIdent identifies the store living in a data directory.
type StoreIdent struct {
	StoreID uuid.UUID
	Region  keys.Range
}

// storeIdentFile is the on-disk form of a StoreIdent. Keys are hex encoded.
type storeIdentFile struct {
	StoreID        string `yaml:"store_id"`
	RegionLeft     string `yaml:"region_left"`
	RegionRight    string `yaml:"region_right,omitempty"`
	RegionPastKeys bool   `yaml:"region_past_all_keys,omitempty"`
}

func encodeStoreIdent(ident StoreIdent) storeIdentFile {
	f := storeIdentFile{
		StoreID:        ident.StoreID.String(),
		RegionLeft:     hex.EncodeToString(ident.Region.Left),
		RegionPastKeys: ident.Region.Right.Unbounded,
	}
	if !ident.Region.Right.Unbounded {
		f.RegionRight = hex.EncodeToString(ident.Region.Right.Key)
	}
	return f
}

func decodeStoreIdent(f storeIdentFile) (StoreIdent, error) {
	id, err := uuid.Parse(f.StoreID)
	if err != nil {
		return StoreIdent{}, errors.Wrap(err, "decoding store id")
	}
	left, err := hex.DecodeString(f.RegionLeft)
	if err != nil {
		return StoreIdent{}, errors.Wrap(err, "decoding region")
	}
	right := keys.PastAll()
	if !f.RegionPastKeys {
		k, err := hex.DecodeString(f.RegionRight)
		if err != nil {
			return StoreIdent{}, errors.Wrap(err, "decoding region")
		}
		right = keys.MakeRightBound(k)
	}
	return StoreIdent{StoreID: id, Region: keys.MakeRange(left, right)}, nil
}

// writeStoreIdentFile writes ident to dir. The file is written to a
// temporary name and renamed into place, so a crash leaves either the old
// file or the new one.
func writeStoreIdentFile(atomicRenameFS vfs.FS, dir string, ident StoreIdent) error {
	if ident.StoreID == uuid.Nil {
		return errors.New("store id should not be empty")
	}
	b, err := yaml.Marshal(encodeStoreIdent(ident))
	if err != nil {
		return err
	}
	filename := atomicRenameFS.PathJoin(dir, StoreIdentFilename)
	tmpFilename := filename + ".tmp"
	f, err := atomicRenameFS.Create(tmpFilename, vfs.WriteCategoryUnspecified)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return atomicRenameFS.Rename(tmpFilename, filename)
}

// getStoreIdent returns the ident recorded in dir. If the ident file doesn't
// exist, returns ok=false.
func getStoreIdent(atomicRenameFS vfs.FS, dir string) (_ StoreIdent, ok bool, _ error) {
	filename := atomicRenameFS.PathJoin(dir, StoreIdentFilename)
	f, err := atomicRenameFS.Open(filename)
	if oserror.IsNotExist(err) {
		return StoreIdent{}, false, nil
	}
	if err != nil {
		return StoreIdent{}, false, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return StoreIdent{}, false, err
	}
	var sf storeIdentFile
	if err := yaml.UnmarshalStrict(b, &sf); err != nil {
		return StoreIdent{}, false, errors.Wrapf(err, "parsing %s", filename)
	}
	ident, err := decodeStoreIdent(sf)
	if err != nil {
		return StoreIdent{}, false, err
	}
	return ident, true, nil
}

// ensureStoreIdent returns the ident of the store in dir, creating one for
// region if the directory is new. It fails if the directory belongs to a
// store for a different region.
func ensureStoreIdent(atomicRenameFS vfs.FS, dir string, region keys.Range) (StoreIdent, error) {
	ident, ok, err := getStoreIdent(atomicRenameFS, dir)
	if err != nil {
		return StoreIdent{}, err
	}
	if ok {
		if !ident.Region.Equal(region) {
			return StoreIdent{}, errors.Newf("directory %s holds store %s for region %s, not %s",
				dir, ident.StoreID, ident.Region, region)
		}
		return ident, nil
	}
	ident = StoreIdent{StoreID: uuid.New(), Region: region}
	if err := writeStoreIdentFile(atomicRenameFS, dir, ident); err != nil {
		return StoreIdent{}, err
	}
	return ident, nil
}
