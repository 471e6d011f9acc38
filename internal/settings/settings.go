// Package settings is key-value store for small values which must survive power loss.
// Each key is stored in separate extremofile directory under root.
package settings

import (
	"encoding/binary"
	"io"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/temoto/extremofile"
)

type Store interface {
	// nil,nil = not found
	Load(key string) ([]byte, error)
	Save(key string, b []byte) error
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

var keyRegexp = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Every file record is padded to same size: extremofile overwrites in place
// without truncate, so shorter write would leave stale tail.
const (
	recordSize   = 64
	recordHeader = 2
	MaxValueSize = recordSize - recordHeader
)

type FileStore struct {
	sync.Mutex
	log   *log2.Log
	root  string
	files map[string]storage
}

var _ Store = &FileStore{}

func NewFileStore(root string, log *log2.Log) (*FileStore, error) {
	if root == "" {
		return nil, errors.NotValidf("settings root=empty")
	}
	return &FileStore{
		log:   log,
		root:  root,
		files: make(map[string]storage),
	}, nil
}

func (s *FileStore) Load(key string) ([]byte, error) {
	st, err := s.storage(key)
	if err != nil {
		return nil, err
	}
	tbegin := time.Now()
	b, err := st.Read()
	s.log.Debugf("settings %s read duration=%v", key, time.Since(tbegin))
	if b != nil && err != nil {
		if !extremofile.IsCritical(err) {
			// backup copy was used
			s.log.Errorf("settings %s ignore non-critical storage err=%v", key, err)
			err = nil
		}
	}
	if len(b) == 0 && err == nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "settings %s Load", key)
	}
	value, err := unpad(b)
	return value, errors.Annotatef(err, "settings %s Load", key)
}

func (s *FileStore) Save(key string, b []byte) error {
	st, err := s.storage(key)
	if err != nil {
		return err
	}
	record, err := pad(b)
	if err != nil {
		return errors.Annotatef(err, "settings %s Save", key)
	}
	tbegin := time.Now()
	_, err = st.Write(record)
	s.log.Debugf("settings %s write duration=%v", key, time.Since(tbegin))
	if err != nil && !extremofile.IsCritical(err) {
		// main copy is durable, only backup failed
		s.log.Errorf("settings %s ignore non-critical storage err=%v", key, err)
		err = nil
	}
	return errors.Annotatef(err, "settings %s Save", key)
}

func (s *FileStore) storage(key string) (storage, error) {
	if !keyRegexp.MatchString(key) {
		return nil, errors.NotValidf("settings key='%s'", key)
	}
	s.Lock()
	defer s.Unlock()
	if st, ok := s.files[key]; ok {
		return st, nil
	}
	st := extremofile.New(extremofile.Config{
		Dir:      filepath.Join(s.root, key),
		DirPerm:  0700,
		FilePerm: 0600,
	})
	s.files[key] = st
	return st, nil
}

func pad(b []byte) ([]byte, error) {
	if len(b) > MaxValueSize {
		return nil, errors.NotValidf("value length=%d max=%d", len(b), MaxValueSize)
	}
	record := make([]byte, recordSize)
	binary.LittleEndian.PutUint16(record, uint16(len(b)))
	copy(record[recordHeader:], b)
	return record, nil
}

func unpad(record []byte) ([]byte, error) {
	if len(record) != recordSize {
		return nil, errors.NotValidf("record length=%d expected=%d", len(record), recordSize)
	}
	n := int(binary.LittleEndian.Uint16(record))
	if n > MaxValueSize {
		return nil, errors.NotValidf("record value length=%d", n)
	}
	return append([]byte(nil), record[recordHeader:recordHeader+n]...), nil
}

// MemStore is volatile Store for tests and dry runs.
type MemStore struct {
	sync.Mutex
	m map[string][]byte
}

var _ Store = &MemStore{}

func NewMemStore() *MemStore { return &MemStore{m: make(map[string][]byte)} }

func (s *MemStore) Load(key string) ([]byte, error) {
	s.Lock()
	defer s.Unlock()
	if b, ok := s.m[key]; ok {
		return append([]byte(nil), b...), nil
	}
	return nil, nil
}

func (s *MemStore) Save(key string, b []byte) error {
	s.Lock()
	defer s.Unlock()
	s.m[key] = append([]byte(nil), b...)
	return nil
}
