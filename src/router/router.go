// Package router dispatches calls to independently upgradeable modules by the
// 4-byte selector leading their input.
package router

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/stake-plus/murmur-protocol/src/types"
)

const SelectorLength = 4

// Selector is the first 4 bytes of keccak256 of a method signature.
type Selector [SelectorLength]byte

// SelectorOf computes the selector of a signature such as "stake()".
func SelectorOf(signature string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte(signature))[:SelectorLength])
	return s
}

func (s Selector) Hex() string {
	return "0x" + hex.EncodeToString(s[:])
}

func (s Selector) Bytes() []byte {
	return s[:]
}

func (s Selector) String() string {
	return s.Hex()
}

// Call is one routed invocation. Input starts with the selector.
type Call struct {
	Caller common.Address
	Value  *uint256.Int
	Input  []byte
}

// Args is the input after the selector.
func (c Call) Args() []byte {
	if len(c.Input) < SelectorLength {
		return nil
	}
	return c.Input[SelectorLength:]
}

type Handler interface {
	Handle(ctx context.Context, call Call) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, call Call) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, call Call) ([]byte, error) {
	return f(ctx, call)
}

// Route binds a method signature to its handler.
type Route struct {
	Signature string
	Handler   Handler
}

// Module is a named group of routes mounted together.
type Module interface {
	Name() string
	Routes() []Route
}

// Binding describes a mounted route.
type Binding struct {
	Selector  Selector
	Module    string
	Signature string
	handler   Handler
}

type Router struct {
	mu     sync.RWMutex
	owner  common.Address
	admins map[common.Address]bool
	routes map[Selector]Binding
	log    zerolog.Logger
}

func New(owner common.Address, log zerolog.Logger) *Router {
	return &Router{
		owner:  owner,
		admins: make(map[common.Address]bool),
		routes: make(map[Selector]Binding),
		log:    log.With().Str("component", "router").Logger(),
	}
}

func (r *Router) Owner() common.Address {
	return r.owner
}

func (r *Router) requireOwner(caller common.Address) error {
	if caller != r.owner {
		return fmt.Errorf("%w: %s is not the router owner", types.ErrNotAuthorized, caller.Hex())
	}
	return nil
}

// SetRoute binds selector to handler, replacing any earlier binding. A nil
// handler unbinds the selector.
func (r *Router) SetRoute(caller common.Address, selector Selector, handler Handler) error {
	return r.bind(caller, Binding{Selector: selector, handler: handler})
}

// Mount binds every route of m.
func (r *Router) Mount(caller common.Address, m Module) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	for _, route := range m.Routes() {
		b := Binding{
			Selector:  SelectorOf(route.Signature),
			Module:    m.Name(),
			Signature: route.Signature,
			handler:   route.Handler,
		}
		if err := r.bind(caller, b); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) bind(caller common.Address, b Binding) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.handler == nil {
		delete(r.routes, b.Selector)
		r.log.Info().Str("selector", b.Selector.Hex()).Msg("route removed")
		return nil
	}
	r.routes[b.Selector] = b
	r.log.Debug().Str("selector", b.Selector.Hex()).Str("module", b.Module).Str("method", b.Signature).Msg("route set")
	return nil
}

func (r *Router) AddAdmin(caller, admin common.Address) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	r.mu.Lock()
	r.admins[admin] = true
	r.mu.Unlock()
	return nil
}

func (r *Router) RemoveAdmin(caller, admin common.Address) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.admins, admin)
	r.mu.Unlock()
	return nil
}

// IsAdmin is true for the owner and every added admin.
func (r *Router) IsAdmin(addr common.Address) bool {
	if addr == r.owner {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admins[addr]
}

// Dispatch forwards call unchanged to the handler bound to its selector and
// relays the handler's result or failure.
func (r *Router) Dispatch(ctx context.Context, call Call) ([]byte, error) {
	if len(call.Input) < SelectorLength {
		return nil, fmt.Errorf("%w: input shorter than a selector", types.ErrUnknownSelector)
	}
	var sel Selector
	copy(sel[:], call.Input[:SelectorLength])

	r.mu.RLock()
	b, ok := r.routes[sel]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownSelector, sel.Hex())
	}
	if call.Value == nil {
		call.Value = new(uint256.Int)
	}
	return b.handler.Handle(ctx, call)
}

// Bindings lists the mounted routes ordered by module and signature.
func (r *Router) Bindings() []Binding {
	r.mu.RLock()
	out := make([]Binding, 0, len(r.routes))
	for _, b := range r.routes {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}
