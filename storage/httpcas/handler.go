package httpcas

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	gocid "github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/storage"
)

// MaxBlockBytes bounds PUT bodies. Tree chunks top out at 2 MiB; the extra
// headroom covers directory blocks that exceed the chunk size before they are
// themselves chunked.
const MaxBlockBytes = 8 << 20

// Handler serves the httpcas routes over any BlockStore, so any node can act
// as an HTTP fallback server for its peers.
//
//	GET  /blocks/{cid} -> raw bytes | 404
//	HEAD /blocks/{cid} -> 200 | 404
//	PUT  /blocks/{cid} -> 201 (body must hash to {cid})
func Handler(store storage.BlockStore) http.Handler {
	log := logrus.WithField("component", "storage.httpcas.handler")

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/", func(w http.ResponseWriter, r *http.Request) {
		idStr := strings.TrimPrefix(r.URL.Path, "/blocks/")
		id, err := gocid.Decode(idStr)
		if err != nil || !id.Defined() {
			http.Error(w, storage.ErrInvalidCID.Error(), http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodHead:
			if !store.Has(id) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			data, err := store.Get(id)
			if storage.IsNotFound(err) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			if err != nil {
				log.WithField("cid", idStr).WithError(err).Error("get failed")
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			_, _ = w.Write(data)

		case http.MethodPut:
			data, err := io.ReadAll(io.LimitReader(r.Body, MaxBlockBytes+1))
			if err != nil {
				http.Error(w, "read failed", http.StatusBadRequest)
				return
			}
			if len(data) > MaxBlockBytes {
				http.Error(w, "block too large", http.StatusRequestEntityTooLarge)
				return
			}
			want, err := cid.Sum(data)
			if err != nil || !want.Equals(id) {
				// Body does not hash to the requested CID.
				http.Error(w, storage.ErrCIDMismatch.Error(), http.StatusBadRequest)
				return
			}
			if _, err := store.Put(data); err != nil {
				log.WithField("cid", idStr).WithError(err).Error("put failed")
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}
