package storage

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
)

var (
	// ErrBucketNotFound is returned by backends when a bucket handle outlives
	// the bucket it points at.
	ErrBucketNotFound = errors.New("storage: bucket not found")
	// ErrDigestMismatch signals a stored body that no longer matches the digest
	// recorded when it was written.
	ErrDigestMismatch = errors.New("storage: response digest mismatch")
)

// RequestKey is the exact identity a stored response is filed under. No
// normalization is applied to the URL, so two URLs that differ only in query
// ordering are different keys.
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// KeyFor derives the lookup key for an outbound request.
func KeyFor(r *http.Request) RequestKey {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: r.URL.String()}
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Response is a stored copy of a network response.
type Response struct {
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header,omitempty"`
	Body     []byte              `json:"body"`
	Digest   digest.Digest       `json:"digest"`
	StoredAt time.Time           `json:"storedAt"`
}

// privateHeaders belong to the client that triggered the original fetch and
// are never stored.
var privateHeaders = map[string]struct{}{
	"Set-Cookie":  {},
	"Set-Cookie2": {},
}

// NewResponse captures status, headers and body and stamps the body digest.
// Set-Cookie headers are dropped.
func NewResponse(status int, header http.Header, body []byte) Response {
	resp := Response{
		Status:   status,
		Body:     append([]byte(nil), body...),
		Digest:   digest.FromBytes(body),
		StoredAt: time.Now().UTC(),
	}
	if len(header) > 0 {
		resp.Header = make(map[string][]string, len(header))
		for k, v := range header {
			if _, private := privateHeaders[http.CanonicalHeaderKey(k)]; private {
				continue
			}
			resp.Header[k] = append([]string(nil), v...)
		}
	}
	return resp
}

// Verify reports ErrDigestMismatch when the body no longer matches its digest.
// Responses written without a digest are accepted as-is.
func (r Response) Verify() error {
	if r.Digest == "" {
		return nil
	}
	if err := r.Digest.Validate(); err != nil {
		return err
	}
	if r.Digest.Algorithm().FromBytes(r.Body) != r.Digest {
		return ErrDigestMismatch
	}
	return nil
}

// Entry pairs a request key with its stored response for bulk writes.
type Entry struct {
	Key      RequestKey
	Response Response
}

// Bucket is a named store of request → response pairs.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key RequestKey) (Response, bool, error)
	// PutAll commits every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	Keys(ctx context.Context) ([]RequestKey, error)
}

// CacheStorage is the set of named buckets visible to one origin.
type CacheStorage interface {
	// Open returns the named bucket, creating it when absent.
	Open(ctx context.Context, name string) (Bucket, error)
	// Keys lists bucket names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named bucket and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close(ctx context.Context) error
}

func cloneResponse(in Response) Response {
	out := Response{
		Status:   in.Status,
		Body:     append([]byte(nil), in.Body...),
		Digest:   in.Digest,
		StoredAt: in.StoredAt,
	}
	if len(in.Header) > 0 {
		out.Header = make(map[string][]string, len(in.Header))
		for k, v := range in.Header {
			out.Header[k] = append([]string(nil), v...)
		}
	}
	return out
}

func sortKeys(keys []RequestKey) {
	slices.SortFunc(keys, func(a, b RequestKey) int {
		return strings.Compare(a.String(), b.String())
	})
}
