package iceberg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

const (
	CodecNone = "none"
	CodecGzip = "gzip"
)

// EncodeMetadata renders a metadata document, compressed when codec is gzip.
func EncodeMetadata(m *TableMetadata, codec string) ([]byte, error) {
	var raw bytes.Buffer
	encoder := json.NewEncoder(&raw)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	if !strings.EqualFold(codec, CodecGzip) {
		return raw.Bytes(), nil
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("compressing metadata: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing metadata: %w", err)
	}
	return compressed.Bytes(), nil
}

// DecodeMetadata parses a metadata document, detecting gzip by its magic bytes.
func DecodeMetadata(data []byte) (*TableMetadata, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip metadata: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decompressing metadata: %w", err)
		}
	}

	var m TableMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata: %w", ErrValidation, err)
	}
	return &m, nil
}

func metadataFileName(version int64, codec string) string {
	ext := ".metadata.json"
	if strings.EqualFold(codec, CodecGzip) {
		ext = ".gz.metadata.json"
	}
	return fmt.Sprintf("%05d-%s%s", version, uuid.NewString(), ext)
}

func metadataDir(location string) string {
	return path.Join(location, "metadata")
}

func dataDir(location string) string {
	return path.Join(location, "data")
}
