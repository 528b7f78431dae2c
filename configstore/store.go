// Package configstore implements the named-section key/value
// configuration surface SPEC_FULL.md's ambient stack calls for,
// grounded on original_source/numcfc's IniFile::GetOrSetDefault
// semantics and expressed with github.com/spf13/viper.
package configstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
)

// Store is a thin, section-scoped wrapper over a viper instance. Keys are
// addressed as "section.key"; a lookup that misses writes the supplied
// default back into the in-memory store (and, if a config file path was
// given, flushes it to disk), the way IniFile::GetOrSetDefault did.
type Store struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// Open loads path (if it exists) as the backing file for the store. A
// missing file is not an error: the store simply starts empty and begins
// accumulating defaults as callers ask for keys it doesn't have.
func Open(path string) (*Store, error) {
	v := viper.New()
	s := &Store{v: v, path: path}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("configstore: read %s: %w", path, err)
				}
			}
		}
	}
	return s, nil
}

func sectionKey(section, key string) string {
	return section + "." + key
}

// GetOrSetDefault returns the string value at (section, key). If absent,
// it stores def under that key (in memory, and on disk if a path was
// configured) and returns def.
func (s *Store) GetOrSetDefault(section, key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := sectionKey(section, key)
	if s.v.IsSet(full) {
		return s.v.GetString(full)
	}
	s.v.Set(full, def)
	s.persist()
	return def
}

// GetOrSetDefaultInt is the integer-typed counterpart to
// GetOrSetDefault.
func (s *Store) GetOrSetDefaultInt(section, key string, def int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := sectionKey(section, key)
	if s.v.IsSet(full) {
		return s.v.GetInt(full)
	}
	s.v.Set(full, def)
	s.persist()
	return def
}

// Set unconditionally overwrites (section, key).
func (s *Store) Set(section, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(sectionKey(section, key), value)
	s.persist()
}

// persist flushes the current state to disk if a path was configured.
// Must be called with s.mu held.
func (s *Store) persist() {
	if s.path == "" {
		return
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		// Best effort: an unwritable config directory shouldn't crash a
		// running broker or demo process, only leave defaults
		// unpersisted until the next successful write.
		return
	}
}
