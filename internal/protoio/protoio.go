// Package protoio contains I/O functions for protocol buffers.
package protoio

import (
	"encoding/json"
	"io/ioutil"
	"net/url"
	"os"
	"strings"

	"github.com/transilvlad/robin/internal/safeio"

	"github.com/golang/protobuf/proto"
)

// ReadMessage reads a protocol buffer message from fname, and unmarshalls it
// into pb.
func ReadMessage(fname string, pb proto.Message) error {
	in, err := ioutil.ReadFile(fname)
	if err != nil {
		return err
	}
	return proto.Unmarshal(in, pb)
}

// ReadTextMessage reads a text format protocol buffer message from fname, and
// unmarshalls it into pb.
func ReadTextMessage(fname string, pb proto.Message) error {
	in, err := ioutil.ReadFile(fname)
	if err != nil {
		return err
	}
	return proto.UnmarshalText(string(in), pb)
}

// WriteMessage marshals pb and atomically writes it into fname.
func WriteMessage(fname string, pb proto.Message, perm os.FileMode) error {
	out, err := proto.Marshal(pb)
	if err != nil {
		return err
	}

	return safeio.WriteFile(fname, out, perm)
}

// WriteTextMessage marshals pb in text format and atomically writes it into
// fname.
func WriteTextMessage(fname string, pb proto.Message, perm os.FileMode) error {
	out := proto.MarshalTextString(pb)
	return safeio.WriteFile(fname, []byte(out), perm)
}

// Store represents a persistent data store, using one file per message.
// Values are serialized as JSON, one "s:<escaped id>" file per entry.
type Store struct {
	dir string
}

// NewStore returns a store for the given directory, creating it if
// necessary. The directory must only be used by a single store at a time.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir}
	err := os.MkdirAll(dir, 0770)
	return s, err
}

const storePrefix = "s:"

func (s *Store) idToFname(id string) string {
	return s.dir + "/" + storePrefix + url.QueryEscape(id)
}

// Put the given value into the store, under the given id. Existing values
// are overwritten.
func (s *Store) Put(id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return safeio.WriteFile(s.idToFname(id), data, 0660)
}

// Get the value for the given id into v. Returns whether the id was found,
// and errors reading or parsing its contents.
func (s *Store) Get(id string, v interface{}) (bool, error) {
	data, err := ioutil.ReadFile(s.idToFname(id))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// Delete the value for the given id.
func (s *Store) Delete(id string) error {
	return os.Remove(s.idToFname(id))
}

// ListIDs in the store.
func (s *Store) ListIDs() ([]string, error) {
	ids := []string{}

	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, storePrefix) {
			continue
		}

		id, err := url.QueryUnescape(name[len(storePrefix):])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}
