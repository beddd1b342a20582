package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2beens/offlinecache/internal/resource"

	"golang.org/x/crypto/blake2b"
)

type record struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	Type     string      `json:"type"`
	Digest   string      `json:"digest"`
	StoredAt time.Time   `json:"stored_at"`
}

func bodyDigest(body []byte) string {
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func encodeRecord(resp *resource.Response, storedAt time.Time) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("encode record: nil response")
	}
	return json.Marshal(record{
		URL:      resp.URL,
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     resp.Body,
		Type:     string(resp.Type),
		Digest:   bodyDigest(resp.Body),
		StoredAt: storedAt.UTC(),
	})
}

func decodeRecord(data []byte) (*resource.Response, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptEntry, err)
	}
	if rec.Digest != bodyDigest(rec.Body) {
		return nil, fmt.Errorf("%w: digest mismatch for %s", ErrCorruptEntry, rec.URL)
	}

	header := rec.Header
	if header == nil {
		header = make(http.Header)
	}
	return &resource.Response{
		StatusCode: rec.Status,
		Header:     header,
		Body:       rec.Body,
		Type:       resource.ResponseType(rec.Type),
		URL:        rec.URL,
	}, nil
}
