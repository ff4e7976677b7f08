package driver

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tunnelmesh/artifactstore/internal/metrics"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

type instrumented struct {
	next    Driver
	kind    string
	metrics *metrics.Metrics
}

// Instrument records request counts and latency of d per operation.
func Instrument(d Driver, t storage.Type, m *metrics.Metrics) Driver {
	return &instrumented{next: d, kind: string(t), metrics: m}
}

func (d *instrumented) observe(op string, start time.Time, err error) {
	status := metrics.Status(err)
	if errors.Is(err, storage.ErrNotFound) {
		status = "not_found"
	}
	d.metrics.BackendRequests.WithLabelValues(d.kind, op, status).Inc()
	d.metrics.BackendDuration.WithLabelValues(d.kind, op).Observe(time.Since(start).Seconds())
}

func (d *instrumented) Store(ctx context.Context, p string, r io.Reader, size int64) (err error) {
	defer func(start time.Time) { d.observe("store", start, err) }(time.Now())
	return d.next.Store(ctx, p, r, size)
}

func (d *instrumented) Load(ctx context.Context, p string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { d.observe("load", start, err) }(time.Now())
	return d.next.Load(ctx, p)
}

func (d *instrumented) Delete(ctx context.Context, p string) (err error) {
	defer func(start time.Time) { d.observe("delete", start, err) }(time.Now())
	return d.next.Delete(ctx, p)
}

func (d *instrumented) Exists(ctx context.Context, p string) (ok bool, err error) {
	defer func(start time.Time) { d.observe("exists", start, err) }(time.Now())
	return d.next.Exists(ctx, p)
}

func (d *instrumented) Size(ctx context.Context, p string) (n int64, err error) {
	defer func(start time.Time) { d.observe("size", start, err) }(time.Now())
	return d.next.Size(ctx, p)
}

func (d *instrumented) Append(ctx context.Context, p string, r io.Reader) (n int64, err error) {
	defer func(start time.Time) { d.observe("append", start, err) }(time.Now())
	return d.next.Append(ctx, p, r)
}

func (d *instrumented) Close() error { return d.next.Close() }
