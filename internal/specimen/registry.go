// Package specimen maps physical barcodes to lab request items and keeps
// barcodes unique among active specimens.
package specimen

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/pkg/keylock"
)

const maxBarcodeAttempts = 5

// ErrBarcodeRequired is returned when confirming an empty label.
var ErrBarcodeRequired = fmt.Errorf("barcode required: %w", lab.ErrInvalidInput)

// Registry assigns and resolves specimen barcodes.
type Registry struct {
	repo   lab.Repository
	index  Index
	locker keylock.Locker
	logger *zap.Logger
	now    func() time.Time
	rand   func() int

	restoreMu sync.Mutex
	restored  atomic.Bool
}

// NewRegistry creates a registry.
func NewRegistry(repo lab.Repository, index Index, locker keylock.Locker, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		repo:   repo,
		index:  index,
		locker: locker,
		logger: logger,
		now:    time.Now,
		rand:   func() int { return 1000 + rand.IntN(9000) },
	}
}

// NewBarcode formats SP{yyMMddHHmmss}{1000-9999}.
func NewBarcode(now time.Time, n int) string {
	return fmt.Sprintf("SP%s%04d", now.Format("060102150405"), n)
}

// AssignBarcode generates a barcode for a specimen of the request and stamps it
// on the request header.
func (r *Registry) AssignBarcode(ctx context.Context, requestID, specimenType, actor string) (string, error) {
	if err := r.ready(ctx); err != nil {
		return "", err
	}
	var barcode string
	err := r.withRequest(ctx, requestID, func(req *lab.Request) error {
		if req.Status().Terminal() {
			return fmt.Errorf("request %s is %s: %w", req.ID, req.Status(), lab.ErrInvalidTransition)
		}
		binding := Binding{RequestID: req.ID, SpecimenType: specimenType}
		for attempt := 0; attempt < maxBarcodeAttempts; attempt++ {
			candidate := NewBarcode(r.now(), r.rand())
			err := r.index.Claim(ctx, candidate, binding)
			if errors.Is(err, lab.ErrDuplicateBarcode) {
				continue
			}
			if err != nil {
				return err
			}
			barcode = candidate
			break
		}
		if barcode == "" {
			return fmt.Errorf("no free barcode after %d attempts: %w", maxBarcodeAttempts, lab.ErrDuplicateBarcode)
		}
		return r.stamp(ctx, req, barcode, specimenType, actor)
	})
	if err != nil {
		return "", err
	}
	r.logger.Info("barcode assigned",
		zap.String("request_id", requestID),
		zap.String("barcode", barcode),
		zap.String("specimen_type", specimenType))
	return barcode, nil
}

// ConfirmBarcode binds a pre-printed tube label to the request. Confirming the
// same label twice for one request is a no-op.
func (r *Registry) ConfirmBarcode(ctx context.Context, requestID, barcode, specimenType, actor string) error {
	if barcode == "" {
		return ErrBarcodeRequired
	}
	if err := r.ready(ctx); err != nil {
		return err
	}
	return r.withRequest(ctx, requestID, func(req *lab.Request) error {
		if req.Status().Terminal() {
			return fmt.Errorf("request %s is %s: %w", req.ID, req.Status(), lab.ErrInvalidTransition)
		}
		if cur, err := r.index.Lookup(ctx, barcode); err == nil && cur.RequestID == req.ID {
			return nil
		}
		if err := r.index.Claim(ctx, barcode, Binding{RequestID: req.ID, SpecimenType: specimenType}); err != nil {
			return err
		}
		return r.stamp(ctx, req, barcode, specimenType, actor)
	})
}

func (r *Registry) stamp(ctx context.Context, req *lab.Request, barcode, specimenType, actor string) error {
	if err := req.StampBarcode(barcode, specimenType, actor, r.now().UTC()); err != nil {
		_ = r.index.Release(ctx, barcode, req.ID)
		return err
	}
	if err := r.repo.Commit(ctx, &lab.Change{Requests: []*lab.Request{req}}); err != nil {
		_ = r.index.Release(ctx, barcode, req.ID)
		return fmt.Errorf("stamp barcode: %w", err)
	}
	return nil
}

// Resolution is what a scanned barcode refers to.
type Resolution struct {
	Request      *lab.Request
	Items        []*lab.Item
	SpecimenType string
}

// ResolveBarcode returns the active items behind a barcode. Items that were
// collected under the barcode match directly; items not yet collected match
// on specimen type.
func (r *Registry) ResolveBarcode(ctx context.Context, barcode string) (*Resolution, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}
	binding, err := r.index.Lookup(ctx, barcode)
	if err != nil {
		return nil, err
	}
	req, err := r.repo.GetRequest(ctx, binding.RequestID)
	if err != nil {
		return nil, err
	}
	items := Match(req, barcode, binding.SpecimenType)
	if len(items) == 0 {
		return nil, fmt.Errorf("barcode %s has no active specimen: %w", barcode, lab.ErrNotFound)
	}
	return &Resolution{Request: req, Items: items, SpecimenType: binding.SpecimenType}, nil
}

// Match selects the active items of req that a barcode refers to.
func Match(req *lab.Request, barcode, specimenType string) []*lab.Item {
	var out []*lab.Item
	for _, it := range req.Items {
		if !it.Active() {
			continue
		}
		switch {
		case it.Barcode == barcode:
			out = append(out, it)
		case it.Barcode == "" && (specimenType == "" || it.SpecimenType == specimenType):
			out = append(out, it)
		}
	}
	return out
}

// Retire frees the barcode once no active item of the request still carries it.
func (r *Registry) Retire(ctx context.Context, req *lab.Request, barcode string) error {
	if barcode == "" {
		return nil
	}
	if bound(req, barcode) {
		return nil
	}
	if err := r.index.Release(ctx, barcode, req.ID); err != nil {
		return err
	}
	r.logger.Debug("barcode retired", zap.String("barcode", barcode), zap.String("request_id", req.ID))
	return nil
}

// bound reports whether an active item of req can still be sampled under
// the barcode.
func bound(req *lab.Request, barcode string) bool {
	for _, it := range req.Items {
		if it.Active() && (it.Barcode == barcode || it.Barcode == "") {
			return true
		}
	}
	return false
}

// Restore claims the barcodes of every active request in the index and
// returns how many it claimed. Registry operations run it once on first use
// when it was not called explicitly.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	r.restoreMu.Lock()
	defer r.restoreMu.Unlock()
	n, err := r.restore(ctx)
	if err != nil {
		return n, err
	}
	r.restored.Store(true)
	return n, nil
}

func (r *Registry) ready(ctx context.Context) error {
	if r.restored.Load() {
		return nil
	}
	r.restoreMu.Lock()
	defer r.restoreMu.Unlock()
	if r.restored.Load() {
		return nil
	}
	if _, err := r.restore(ctx); err != nil {
		return err
	}
	r.restored.Store(true)
	return nil
}

func (r *Registry) restore(ctx context.Context) (int, error) {
	reqs, err := r.repo.ActiveRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore barcodes: %w", err)
	}
	n := 0
	for _, req := range reqs {
		for barcode, specimenType := range activeBarcodes(req) {
			err := r.index.Claim(ctx, barcode, Binding{RequestID: req.ID, SpecimenType: specimenType})
			if errors.Is(err, lab.ErrDuplicateBarcode) {
				r.logger.Warn("barcode bound to another request",
					zap.String("barcode", barcode),
					zap.String("request_id", req.ID))
				continue
			}
			if err != nil {
				return n, fmt.Errorf("restore barcodes: %w", err)
			}
			n++
		}
	}
	r.logger.Info("barcode index restored", zap.Int("requests", len(reqs)), zap.Int("barcodes", n))
	return n, nil
}

// activeBarcodes returns the barcodes of req still in circulation with their
// specimen types.
func activeBarcodes(req *lab.Request) map[string]string {
	out := make(map[string]string)
	for barcode, specimenType := range req.Specimens {
		if bound(req, barcode) {
			out[barcode] = specimenType
		}
	}
	for _, it := range req.Items {
		if it.Active() && it.Barcode != "" {
			if _, ok := out[it.Barcode]; !ok {
				out[it.Barcode] = it.SpecimenType
			}
		}
	}
	return out
}

func (r *Registry) withRequest(ctx context.Context, requestID string, fn func(*lab.Request) error) error {
	req, err := r.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	unlock, err := r.locker.Lock(ctx, req.ItemKeys()...)
	if err != nil {
		return err
	}
	defer unlock()

	req, err = r.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	return fn(req)
}
