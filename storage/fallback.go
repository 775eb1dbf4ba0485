package storage

import (
	"github.com/hashicorp/go-multierror"
	gocid "github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

// Fallback provides deterministic, ordered fallback across backends.
//
// Get tries backends in slice order; callers MUST supply a fixed order so the
// retrieval strategy stays explicit (typically: memory, local, p2p, http).
//
// Contract:
// - Put writes only to the first backend.
// - A hit from a non-primary backend backfills the primary (best effort).
// - An I/O error on a backend is retried once, then the backend is treated as
//   absent for this request; errors are aggregated for diagnostics.
// - ErrNotFound is returned only after all backends are exhausted.
type Fallback struct {
	Backends []Named
	Log      *logrus.Entry
}

// NewFallback chains backends in the given order.
func NewFallback(backends ...Named) *Fallback {
	return &Fallback{Backends: backends, Log: logrus.WithField("component", "storage.fallback")}
}

func (f *Fallback) Put(data []byte) (gocid.Cid, error) {
	if len(f.Backends) == 0 {
		return gocid.Undef, ErrInvalidCID
	}
	return f.Backends[0].Store.Put(data)
}

func (f *Fallback) Get(id gocid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	var errs error
	for i, b := range f.Backends {
		if b.Store == nil {
			continue
		}
		data, err := f.getOnce(b, id)
		if err == nil {
			if i > 0 {
				f.backfill(id, data)
			}
			return data, nil
		}
		if !IsNotFound(err) {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		f.log().WithField("cid", id.String()).WithError(errs).Debug("all backends failed")
	}
	return nil, ErrNotFound
}

// getOnce retries a backend once on a non-NotFound error before skipping it.
func (f *Fallback) getOnce(b Named, id gocid.Cid) ([]byte, error) {
	data, err := b.Store.Get(id)
	if err == nil || IsNotFound(err) {
		return data, err
	}
	f.log().WithFields(logrus.Fields{"backend": b.Name, "cid": id.String()}).
		WithError(err).Debug("backend error, retrying once")
	return b.Store.Get(id)
}

func (f *Fallback) Has(id gocid.Cid) bool {
	for _, b := range f.Backends {
		if b.Store != nil && b.Store.Has(id) {
			return true
		}
	}
	return false
}

// backfill copies a block found on a slower backend into the primary so the
// next read is local. Failures are logged, never surfaced.
func (f *Fallback) backfill(id gocid.Cid, data []byte) {
	primary := f.Backends[0]
	if primary.Store == nil {
		return
	}
	if _, err := primary.Store.Put(data); err != nil {
		f.log().WithFields(logrus.Fields{"backend": primary.Name, "cid": id.String()}).
			WithError(err).Warn("backfill failed")
	}
}

func (f *Fallback) log() *logrus.Entry {
	if f.Log != nil {
		return f.Log
	}
	return logrus.WithField("component", "storage.fallback")
}

var _ BlockStore = (*Fallback)(nil)
