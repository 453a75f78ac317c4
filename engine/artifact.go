package engine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

var ErrBadHeader = errors.New("bad engine artifact header")

// MaxMetadataSize bounds the metadata block accepted by ReadMetadata.
const MaxMetadataSize = 16 << 20

// Metadata is stored in front of the serialized engine.
//
// Artifact layout:
//
//	int32 little-endian  n
//	n bytes              JSON-encoded Metadata
//	rest                 raw engine
type Metadata struct {
	ID           string    `json:"id"`
	Task         string    `json:"task"`
	Precision    string    `json:"precision"`
	ImageSize    [2]int    `json:"imgsz"`
	BatchSize    int       `json:"batch"`
	DynamicBatch bool      `json:"dynamic"`
	InputNames   []string  `json:"input_names"`
	OutputNames  []string  `json:"output_names"`
	Opset        int       `json:"opset,omitempty"`
	Device       string    `json:"device"`
	CreatedAt    time.Time `json:"date"`
}

func WriteArtifact(w io.Writer, meta Metadata, engine []byte) error {
	buf, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if len(buf) > math.MaxInt32 {
		return fmt.Errorf("metadata too large: %d bytes", len(buf))
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(buf))); err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err = w.Write(engine)
	return err
}

// ReadMetadata consumes the header of an artifact and leaves r positioned at
// the start of the engine bytes.
func ReadMetadata(r io.Reader) (Metadata, error) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return Metadata{}, fmt.Errorf("%w: length: %w", ErrBadHeader, err)
	}
	if n < 0 || n > MaxMetadataSize {
		return Metadata{}, fmt.Errorf("%w: metadata length %d", ErrBadHeader, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata: %w", ErrBadHeader, err)
	}
	var meta Metadata
	if err := json.Unmarshal(buf, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	return meta, nil
}

func ReadArtifact(r io.Reader) (Metadata, []byte, error) {
	meta, err := ReadMetadata(r)
	if err != nil {
		return Metadata{}, nil, err
	}
	engine, err := io.ReadAll(r)
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, engine, nil
}

// WriteArtifactFile writes the artifact next to path and renames it into
// place, so readers never see a half-written engine.
func WriteArtifactFile(path string, meta Metadata, engine []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.partial")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if err := WriteArtifact(f, meta, engine); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func ReadArtifactFile(path string) (Metadata, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, nil, err
	}
	defer f.Close()
	return ReadArtifact(f)
}
