package transform

import (
	"bytes"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// decompress undoes gzip/deflate/brotli Content-Encoding. The second
// return value is false (with a nil error) when encoding is empty,
// "identity", or unrecognized, meaning body should be used as-is with its
// original Content-Encoding header intact.
func decompress(body []byte, encoding string) ([]byte, bool, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return nil, false, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, err
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	case "br":
		r := brotli.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	default:
		return nil, false, nil
	}
}
