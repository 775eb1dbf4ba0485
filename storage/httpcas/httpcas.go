// Package httpcas implements the HTTP fallback block store: GET/PUT of raw
// bytes by content hash against one or more configured server URLs. It is
// consulted only when neither the local cache nor P2P has a block.
package httpcas

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocid "github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/storage"
)

// Store is a block store backed by one or more HTTP servers.
//
// Routes: GET/PUT {base}/blocks/{cid} with raw bytes as the body.
// Reads fall back across servers in order; writes go to every server
// (best effort, first success wins for the returned CID).
// Bytes read are verified against the requested CID before being returned.
type Store struct {
	bases  []string
	client *http.Client
	log    *logrus.Entry
}

// Options configures the HTTP store.
type Options struct {
	// Timeout bounds each request. Zero means 30 seconds.
	Timeout time.Duration
	// Client overrides the HTTP client (Timeout is then ignored).
	Client *http.Client
}

// New builds a store over the given base URLs, in fallback order.
func New(baseURLs []string, opts Options) (*Store, error) {
	if len(baseURLs) == 0 {
		return nil, errors.New("httpcas: at least one base URL is required")
	}
	bases := make([]string, len(baseURLs))
	for i, u := range baseURLs {
		bases[i] = strings.TrimRight(u, "/")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Store{
		bases:  bases,
		client: client,
		log:    logrus.WithField("component", "storage.httpcas"),
	}, nil
}

func (s *Store) Put(data []byte) (gocid.Cid, error) {
	id, err := cid.Sum(data)
	if err != nil {
		return gocid.Undef, err
	}
	var lastErr error
	ok := false
	for _, base := range s.bases {
		req, err := http.NewRequest(http.MethodPut, s.blockURL(base, id), bytes.NewReader(data))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			lastErr = fmt.Errorf("httpcas: PUT %s: status %d", base, resp.StatusCode)
			continue
		}
		ok = true
	}
	if !ok {
		return gocid.Undef, lastErr
	}
	return id, nil
}

func (s *Store) Get(id gocid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	var lastErr error
	for _, base := range s.bases {
		data, err := s.getFrom(base, id)
		if err == nil {
			return data, nil
		}
		if !storage.IsNotFound(err) {
			s.log.WithFields(logrus.Fields{"base": base, "cid": id.String()}).
				WithError(err).Debug("http get failed")
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, storage.ErrNotFound
}

func (s *Store) getFrom(base string, id gocid.Cid) ([]byte, error) {
	resp, err := s.client.Get(s.blockURL(base, id))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, storage.ErrNotFound
	case resp.StatusCode/100 != 2:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("httpcas: GET %s: status %d", base, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	got, err := cid.Sum(data)
	if err != nil {
		return nil, err
	}
	if !got.Equals(id) {
		return nil, storage.ErrCIDMismatch
	}
	return data, nil
}

func (s *Store) Has(id gocid.Cid) bool {
	if !id.Defined() {
		return false
	}
	for _, base := range s.bases {
		req, err := http.NewRequest(http.MethodHead, s.blockURL(base, id), nil)
		if err != nil {
			continue
		}
		resp, err := s.client.Do(req)
		if err != nil {
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return true
		}
	}
	return false
}

func (s *Store) blockURL(base string, id gocid.Cid) string {
	return base + "/blocks/" + id.String()
}

var _ storage.BlockStore = (*Store)(nil)
