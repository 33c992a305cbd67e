// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store caches function results on disk, keyed by function name and
// a digest of the invocation arguments. Entries are gob files written
// atomically, so concurrent savers never leave a partial entry behind.
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/quandlfn/grid"
)

// ErrMiss is returned by Load when the entry is absent or expired.
var ErrMiss = errors.Reason("cache miss")

// Store is a file-backed result cache rooted at Dir. Each function gets a
// subdirectory, each result a single gob file named by the argument digest.
type Store struct {
	Dir string
}

func New(dir string) *Store {
	return &Store{Dir: dir}
}

// Key digests raw JSON invocation arguments into a hex cache key. The JSON
// is re-encoded first, so formatting and map ordering do not split the cache.
// An empty input is the JSON null.
func Key(rawArgs []byte) (string, error) {
	if len(bytes.TrimSpace(rawArgs)) == 0 {
		rawArgs = []byte("null")
	}
	var v interface{}
	if err := json.Unmarshal(rawArgs, &v); err != nil {
		return "", errors.Annotate(err, "arguments are not valid JSON")
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", errors.Annotate(err, "failed to re-encode arguments")
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// entry is the on-disk format of a cached result.
type entry struct {
	SavedAt time.Time
	Grid    *grid.Grid
}

func (s *Store) path(name, key string) string {
	return filepath.Join(s.Dir, name, key+".gob")
}

// Save stores the result of one invocation. The entry is written to a temp
// file and renamed into place.
func (s *Store) Save(name, key string, g *grid.Grid) error {
	dir := filepath.Join(s.Dir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Annotate(err, "failed to create cache dir '%s'", dir)
	}
	f, err := os.CreateTemp(dir, key+".*.tmp")
	if err != nil {
		return errors.Annotate(err, "failed to create a temp file in '%s'", dir)
	}
	defer os.Remove(f.Name())
	enc := gob.NewEncoder(f)
	if err := enc.Encode(entry{SavedAt: time.Now().UTC(), Grid: g}); err != nil {
		f.Close()
		return errors.Annotate(err, "failed to write to '%s'", f.Name())
	}
	if err := f.Close(); err != nil {
		return errors.Annotate(err, "failed to close '%s'", f.Name())
	}
	fileName := s.path(name, key)
	if err := os.Rename(f.Name(), fileName); err != nil {
		return errors.Annotate(err, "failed to rename '%s' to '%s'",
			f.Name(), fileName)
	}
	return nil
}

// Load retrieves a cached result with its save time. It returns ErrMiss when
// the entry is absent, or older than maxAge. A non-positive maxAge never
// expires.
func (s *Store) Load(name, key string, maxAge time.Duration) (*grid.Grid, time.Time, error) {
	fileName := s.path(name, key)
	f, err := os.Open(fileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, ErrMiss
		}
		return nil, time.Time{}, errors.Annotate(err,
			"failed to open file for reading: '%s'", fileName)
	}
	defer f.Close()
	var e entry
	dec := gob.NewDecoder(f)
	if err := dec.Decode(&e); err != nil {
		return nil, time.Time{}, errors.Annotate(err,
			"failed to read from '%s'", fileName)
	}
	if maxAge > 0 && time.Since(e.SavedAt) > maxAge {
		return nil, time.Time{}, ErrMiss
	}
	return e.Grid, e.SavedAt, nil
}
