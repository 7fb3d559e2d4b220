// Package storage persists device records and their service caches on disk.
//
// Records are laid out per adapter:
//
//	<dir>/<adapter>/<device>/info
//	<dir>/<adapter>/cache/<device>
package storage

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/device"
	"github.com/golang/groupcache/lru"
	"github.com/op/go-logging"
)

const (
	infoFile = "info"
	cacheDir = "cache"

	// DefaultCacheEntries is the number of encoded files kept in memory.
	DefaultCacheEntries = 256
)

var log = logging.MustGetLogger("storage")

var _ device.Storage = (*Store)(nil)

// Store is an on-disk device store.
// Recently read or written files are kept encoded in an LRU cache, so
// reads are served from memory and unchanged records are not rewritten.
type Store struct {
	dir   string
	codec *resolver

	cache   *lru.Cache
	cacheMu sync.Mutex
}

// New returns a store rooted at dir, creating the directory if needed.
func New(dir string, entries int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, wrapError(err, "storage-init", dir, "Cannot create storage directory")
	}

	if entries <= 0 {
		entries = DefaultCacheEntries
	}

	return &Store{
		dir:   dir,
		codec: newResolver(),
		cache: lru.New(entries),
	}, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Adapters returns the addresses of the adapters with stored devices.
func (s *Store) Adapters() ([]bluetooth.MacAddress, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, wrapError(err, "storage-adapters", s.dir, "Cannot read storage directory")
	}

	adapters := make([]bluetooth.MacAddress, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		address, err := bluetooth.ParseMAC(entry.Name())
		if err != nil {
			continue
		}

		adapters = append(adapters, address)
	}

	return adapters, nil
}

// LoadDevices returns every device record stored for the adapter.
// Unreadable records are skipped.
func (s *Store) LoadDevices(adapter bluetooth.MacAddress) ([]device.Record, error) {
	dir := s.adapterDir(adapter)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, wrapError(err, "storage-load-devices", dir, "Cannot read adapter directory")
	}

	records := make([]device.Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		address, err := bluetooth.ParseMAC(entry.Name())
		if err != nil {
			continue
		}

		var rec device.Record
		if err := s.read(s.infoPath(adapter, address), &rec); err != nil {
			if !errors.Is(err, errorkinds.ErrDoesNotExist) {
				log.Warningf("%s: skipping stored device: %v", address, err)
			}

			continue
		}

		if rec.Address.IsNil() {
			rec.Address = address
		}

		records = append(records, rec)
	}

	return records, nil
}

// StoreDevice writes the device record of the adapter.
func (s *Store) StoreDevice(adapter bluetooth.MacAddress, rec device.Record) error {
	return s.write(s.infoPath(adapter, rec.Address), rec)
}

// RemoveDevice removes every stored file of the device.
func (s *Store) RemoveDevice(adapter, address bluetooth.MacAddress) error {
	info, cache := s.infoPath(adapter, address), s.cachePath(adapter, address)

	s.forget(info)
	s.forget(cache)

	if err := os.RemoveAll(filepath.Dir(info)); err != nil {
		return wrapError(err, "storage-remove-device", info, "Cannot remove stored device")
	}

	if err := os.Remove(cache); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrapError(err, "storage-remove-device", cache, "Cannot remove stored cache")
	}

	return nil
}

// LoadCache returns the service cache of the device.
func (s *Store) LoadCache(adapter, address bluetooth.MacAddress) (device.CacheRecord, error) {
	var cache device.CacheRecord

	err := s.read(s.cachePath(adapter, address), &cache)

	return cache, err
}

// StoreCache writes the service cache of the device.
func (s *Store) StoreCache(adapter, address bluetooth.MacAddress, cache device.CacheRecord) error {
	return s.write(s.cachePath(adapter, address), cache)
}

func (s *Store) adapterDir(adapter bluetooth.MacAddress) string {
	return filepath.Join(s.dir, adapter.String())
}

func (s *Store) infoPath(adapter, address bluetooth.MacAddress) string {
	return filepath.Join(s.adapterDir(adapter), address.String(), infoFile)
}

func (s *Store) cachePath(adapter, address bluetooth.MacAddress) string {
	return filepath.Join(s.adapterDir(adapter), cacheDir, address.String())
}

func (s *Store) read(path string, v any) error {
	data, ok := s.cached(path)
	if !ok {
		var err error

		data, err = os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return wrapError(errorkinds.ErrDoesNotExist, "storage-read", path, "No stored data")
			}

			return wrapError(err, "storage-read", path, "Cannot read stored data")
		}
	}

	if err := s.codec.unmarshal(data, v); err != nil {
		s.forget(path)
		return wrapError(err, "storage-decode", path, "Cannot decode stored data")
	}

	s.remember(path, data)

	return nil
}

func (s *Store) write(path string, v any) error {
	data, err := s.codec.marshal(v)
	if err != nil {
		return wrapError(err, "storage-encode", path, "Cannot encode data")
	}

	if old, ok := s.cached(path); ok && bytes.Equal(old, data) {
		return nil
	}

	if err := writeFile(path, data); err != nil {
		s.forget(path)
		return wrapError(err, "storage-write", path, "Cannot write stored data")
	}

	s.remember(path, data)

	return nil
}

// writeFile replaces the file at path, so a crash never leaves a
// partially written record behind.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

func (s *Store) cached(path string) ([]byte, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	v, ok := s.cache.Get(path)
	if !ok {
		return nil, false
	}

	return v.([]byte), true
}

func (s *Store) remember(path string, data []byte) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.cache.Add(path, data)
}

func (s *Store) forget(path string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.cache.Remove(path)
}

func wrapError(err error, at, path, msg string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(),
			"error_at", at,
			"path", path,
		),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}
