// Package overlay manages the lifecycle of the primary overlay surface and the
// two edge blockers. It holds no lockdown logic.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
	"github.com/eliteGoblin/focusd/kioskd/internal/metrics"
)

// Renderer attaches and detaches surfaces idempotently. Each logical surface
// has at most one live handle; attaching while a stale handle is recorded
// removes the stale one first.
type Renderer struct {
	ws            domain.WindowSystem
	overlayHeight int
	logger        *zap.Logger
	metrics       *metrics.Metrics

	mu      sync.Mutex
	handles map[domain.SurfaceKind]domain.SurfaceHandle
	wanted  map[domain.SurfaceKind]bool
}

// NewRenderer creates a renderer over ws. overlayHeight of 0 lets the
// window system size the primary overlay to its content.
func NewRenderer(ws domain.WindowSystem, overlayHeight int, logger *zap.Logger, m *metrics.Metrics) *Renderer {
	return &Renderer{
		ws:            ws,
		overlayHeight: overlayHeight,
		logger:        logger,
		metrics:       m,
		handles:       make(map[domain.SurfaceKind]domain.SurfaceHandle),
		wanted:        make(map[domain.SurfaceKind]bool),
	}
}

// spec returns the placement for kind. ok is false for a blocker whose edge
// has no system bar to cover.
func (r *Renderer) spec(kind domain.SurfaceKind) (domain.SurfaceSpec, bool) {
	switch kind {
	case domain.SurfaceTopBlocker:
		h := r.ws.EdgeHeight(domain.EdgeTop)
		return domain.SurfaceSpec{Kind: kind, Edge: domain.EdgeTop, Height: h, Passthrough: true}, h > 0
	case domain.SurfaceBottomBlocker:
		h := r.ws.EdgeHeight(domain.EdgeBottom)
		return domain.SurfaceSpec{Kind: kind, Edge: domain.EdgeBottom, Height: h, Passthrough: true}, h > 0
	default:
		return domain.SurfaceSpec{Kind: domain.SurfacePrimary, Edge: domain.EdgeTop, Height: r.overlayHeight, Passthrough: true}, true
	}
}

// Attach shows kind. It is a no-op when a live surface already exists.
func (r *Renderer) Attach(kind domain.SurfaceKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wanted[kind] = true
	return r.attachLocked(kind)
}

func (r *Renderer) attachLocked(kind domain.SurfaceKind) error {
	if h, ok := r.handles[kind]; ok {
		if r.ws.IsLive(h) {
			return nil
		}
		// Stale handle: the host dropped the surface behind our back.
		if err := r.ws.Remove(h); err != nil {
			r.logger.Debug("failed to remove stale surface", zap.String("surface", string(kind)), zap.Error(err))
		}
		delete(r.handles, kind)
	}

	spec, ok := r.spec(kind)
	if !ok {
		return nil
	}

	h, err := r.ws.Add(spec)
	if err != nil {
		r.metrics.SurfaceError()
		return fmt.Errorf("%w: attach %s: %v", domain.ErrTransientSurface, kind, err)
	}
	r.handles[kind] = h
	r.logger.Debug("surface attached", zap.String("surface", string(kind)), zap.String("handle", string(h)))
	return nil
}

// Detach removes kind. Always safe, including when nothing is attached.
func (r *Renderer) Detach(kind domain.SurfaceKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.wanted, kind)
	return r.detachLocked(kind)
}

func (r *Renderer) detachLocked(kind domain.SurfaceKind) error {
	h, ok := r.handles[kind]
	if !ok {
		return nil
	}
	// The handle stays recorded until the host confirms removal, so a later
	// Detach retries it and Attach does not stack a second surface.
	if err := r.ws.Remove(h); err != nil {
		r.metrics.SurfaceError()
		return fmt.Errorf("%w: detach %s: %v", domain.ErrTransientSurface, kind, err)
	}
	delete(r.handles, kind)
	r.logger.Debug("surface detached", zap.String("surface", string(kind)))
	return nil
}

// Reshow is the explicit detach-then-attach used when a surface must be recreated.
func (r *Renderer) Reshow(kind domain.SurfaceKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wanted[kind] = true
	if err := r.detachLocked(kind); err != nil {
		return err
	}
	return r.attachLocked(kind)
}

// AttachAll shows the primary overlay and both blockers.
func (r *Renderer) AttachAll() error {
	var errs []error
	for _, kind := range domain.AllSurfaces {
		if err := r.Attach(kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DetachAll removes every surface.
func (r *Renderer) DetachAll() error {
	var errs []error
	for _, kind := range domain.AllSurfaces {
		if err := r.Detach(kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsAttached reports whether kind currently has a live surface.
func (r *Renderer) IsAttached(kind domain.SurfaceKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[kind]
	return ok && r.ws.IsLive(h)
}

// LiveCount returns how many surfaces are attached and live.
func (r *Renderer) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		if r.ws.IsLive(h) {
			n++
		}
	}
	return n
}

// Heal re-attaches every wanted surface that is no longer live.
func (r *Renderer) Heal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, kind := range domain.AllSurfaces {
		if !r.wanted[kind] {
			continue
		}
		if err := r.attachLocked(kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SelfHeal listens on the enforcement topic and heals on every signal until
// ctx is canceled. Failures are logged; the next signal retries.
func (r *Renderer) SelfHeal(ctx context.Context, sub domain.Subscriber) error {
	ch, cancel := sub.Subscribe(domain.EnforcementTopic)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.Heal(); err != nil {
				r.logger.Warn("overlay self-heal failed", zap.Error(err))
			}
		}
	}
}
