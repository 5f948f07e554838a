// Package checkpoint serializes model state with CBOR.
package checkpoint

import (
	"bytes"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/moe-sys/params"
)

// Version is the current checkpoint format version.
const Version = 1

// A Checkpoint is one worker's saved state.
type Checkpoint struct {
	Version int              `cbor:"version"`
	RunID   string           `cbor:"run_id"`
	Rank    int              `cbor:"rank"`
	Step    int              `cbor:"step"`
	State   params.StateDict `cbor:"state"`
}

// NewRunID creates a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Encode serializes a StateDict alone.
//
// Encoding is canonical: equal states always produce equal
// bytes.
func Encode(state params.StateDict) ([]byte, error) {
	data, err := encMode.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, "encode state")
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (params.StateDict, error) {
	var state params.StateDict
	if err := cbor.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(err, "decode state")
	}
	return state, nil
}

// Save writes a checkpoint.
func Save(w io.Writer, c *Checkpoint) error {
	if c.Version == 0 {
		c.Version = Version
	}
	if err := encMode.NewEncoder(w).Encode(c); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	return nil
}

// Load reads a checkpoint.
func Load(r io.Reader) (*Checkpoint, error) {
	var c Checkpoint
	if err := cbor.NewDecoder(r).Decode(&c); err != nil {
		return nil, errors.Wrap(err, "load checkpoint")
	}
	if c.Version != Version {
		return nil, errors.Errorf("load checkpoint: unsupported version %d", c.Version)
	}
	return &c, nil
}

// SaveFile writes a checkpoint to a file.
func SaveFile(path string, c *Checkpoint) error {
	var buf bytes.Buffer
	if err := Save(&buf, c); err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, buf.Bytes(), 0644), "save checkpoint")
}

// LoadFile reads a checkpoint from a file.
func LoadFile(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "load checkpoint")
	}
	defer f.Close()
	return Load(f)
}
