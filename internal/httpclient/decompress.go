package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// DecompressBody wraps resp.Body with a transparent decompressing reader
// based on Content-Encoding (gzip, deflate, br). Some XMLTV providers gzip or
// brotli-compress their feed regardless of whether the client negotiated it,
// so callers should always route through this rather than trust the server
// honored Accept-Encoding.
func DecompressBody(contentEncoding string, body io.ReadCloser) io.ReadCloser {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			return body
		}
		return &decompressReader{reader: r, closer: body}
	case "deflate":
		return &decompressReader{reader: flate.NewReader(body), closer: body}
	case "br":
		return &decompressReader{reader: brotli.NewReader(body), closer: body}
	default:
		return body
	}
}

type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) { return d.reader.Read(p) }
func (d *decompressReader) Close() error               { return d.closer.Close() }
