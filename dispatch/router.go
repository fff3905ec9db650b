// Package dispatch routes decoded packets to feature handlers and gives
// handlers a way to send packets back out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"devlink/packet"
)

// DefaultBroadcastConcurrency bounds concurrent sends during Broadcast.
const DefaultBroadcastConcurrency = 8

// Handler processes packets of the types it lists. Handle reports whether it
// acted on the packet.
type Handler interface {
	PacketTypes() []string
	Handle(peerID string, p *packet.Packet) (bool, error)
}

// Sender is the outbound path, normally the peer registry.
type Sender interface {
	Send(peerID string, p *packet.Packet) error
	ConnectedPeerIDs() []string
}

// Options configures a Router.
type Options struct {
	Sender               Sender
	BroadcastConcurrency int
	Logger               *logrus.Logger
}

// Router maps packet types to handlers in registration order.
type Router struct {
	sender      Sender
	concurrency int
	log         *logrus.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates a Router.
func New(opts Options) (*Router, error) {
	if opts.Sender == nil {
		return nil, errors.New("dispatch: sender is required")
	}
	if opts.BroadcastConcurrency <= 0 {
		opts.BroadcastConcurrency = DefaultBroadcastConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return &Router{
		sender:      opts.Sender,
		concurrency: opts.BroadcastConcurrency,
		log:         opts.Logger,
		handlers:    make(map[string][]Handler),
	}, nil
}

// Register adds h for packetType. Several handlers may share a type.
func (r *Router) Register(packetType string, h Handler) {
	if packetType == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[packetType] = append(r.handlers[packetType], h)
}

// RegisterHandler registers h for every type it lists.
func (r *Router) RegisterHandler(h Handler) {
	for _, packetType := range h.PacketTypes() {
		r.Register(packetType, h)
	}
}

// Types returns the packet types with at least one handler.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for packetType := range r.handlers {
		types = append(types, packetType)
	}
	sort.Strings(types)
	return types
}

// Deliver hands p to every handler registered for its type and returns how
// many reported handling it. Unknown types are dropped. A failing or
// panicking handler is logged and does not stop the others.
func (r *Router) Deliver(peerID string, p *packet.Packet) int {
	if p == nil {
		return 0
	}

	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[p.Type]...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.log.WithFields(logrus.Fields{"peer_id": peerID, "type": p.Type}).Debug("no handler for packet type")
		return 0
	}

	handled := 0
	for i, h := range handlers {
		ok, err := invoke(h, peerID, p)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"peer_id": peerID,
				"type":    p.Type,
				"handler": fmt.Sprintf("%T#%d", h, i),
			}).Errorf("handler failed: %v", err)
			continue
		}
		if ok {
			handled++
		}
	}
	return handled
}

func invoke(h Handler, peerID string, p *packet.Packet) (handled bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(peerID, p)
}

// Send emits p to one peer.
func (r *Router) Send(peerID string, p *packet.Packet) error {
	return r.sender.Send(peerID, p)
}

// Broadcast sends p to every connected peer concurrently and waits for all
// of them. Failures are combined; one failing peer does not stop the rest.
func (r *Router) Broadcast(ctx context.Context, p *packet.Packet) error {
	if p == nil {
		return fmt.Errorf("%w: nil packet", packet.ErrEncode)
	}
	if p.PayloadSize > 0 {
		return fmt.Errorf("%w: payload packets cannot be broadcast", packet.ErrEncode)
	}
	if _, err := packet.Encode(p); err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs error
	)
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, peerID := range r.sender.ConnectedPeerIDs() {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if err := r.sender.Send(peerID, p); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("send to %s: %w", peerID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
