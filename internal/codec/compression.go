package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/nyxstate/hybridauth/internal/engineerrors"
)

// Compression selects the algorithm applied before encryption.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

func compress(algo Compression, plain []byte) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return plain, nil

	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(plain); err != nil {
			return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: err}
		}
		if err := w.Close(); err != nil {
			return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: err}
		}
		return buf.Bytes(), nil

	case CompressionSnappy:
		return snappy.Encode(nil, plain), nil

	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(plain); err != nil {
			return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: err}
		}
		if err := w.Close(); err != nil {
			return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: err}
		}
		return buf.Bytes(), nil

	default:
		return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: fmt.Errorf("unsupported compression algorithm")}
	}
}

func decompress(algo Compression, compressed []byte) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return compressed, nil

	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: err}
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: err}
		}
		return out, nil

	case CompressionSnappy:
		out, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: err}
		}
		return out, nil

	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(compressed))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: err}
		}
		return out, nil

	default:
		return nil, &engineerrors.CompressionError{Algorithm: algo.String(), Cause: fmt.Errorf("unsupported compression algorithm")}
	}
}
