// Package testnodes contains in-memory implementations of the broadcast and
// payment network collaborators, for use by tests and simulations.
package testnodes

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/domp-protocol/go-domp-markets/event"
	mkt "github.com/domp-protocol/go-domp-markets/marketplace"
)

// FakeBroadcastNode is an in-process broadcast network. Published events fan
// out synchronously to every live subscription whose filter matches.
type FakeBroadcastNode struct {
	lk          sync.Mutex
	log         []*event.Event
	subscribers []*subscription

	// PublishErr, when set, fails every publish.
	PublishErr error
	// DuplicateDelivery delivers every published event twice, as a relay
	// mesh would.
	DuplicateDelivery bool
}

type subscription struct {
	filter mkt.EventFilter
	ch     chan *event.Event
	done   <-chan struct{}
}

// NewFakeBroadcastNode constructs an empty network.
func NewFakeBroadcastNode() *FakeBroadcastNode {
	return &FakeBroadcastNode{}
}

func matches(filter mkt.EventFilter, ev *event.Event) bool {
	if ev.CreatedAt < filter.Since {
		return false
	}
	if len(filter.Kinds) == 0 {
		return true
	}
	for _, k := range filter.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

// PublishEvent records the event and delivers it to matching subscribers.
func (n *FakeBroadcastNode) PublishEvent(ctx context.Context, ev *event.Event) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.PublishErr != nil {
		return n.PublishErr
	}
	n.log = append(n.log, ev)

	copies := 1
	if n.DuplicateDelivery {
		copies = 2
	}
	for _, sub := range n.subscribers {
		if !matches(sub.filter, ev) {
			continue
		}
		for i := 0; i < copies; i++ {
			select {
			case sub.ch <- ev:
			case <-sub.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// SubscribeEvents streams matching events until ctx is done. Events already
// in the log that match the filter are replayed first.
func (n *FakeBroadcastNode) SubscribeEvents(ctx context.Context, filter mkt.EventFilter) (<-chan *event.Event, error) {
	n.lk.Lock()
	defer n.lk.Unlock()

	ch := make(chan *event.Event, 64)
	sub := &subscription{filter: filter, ch: ch, done: ctx.Done()}
	for _, ev := range n.log {
		if matches(filter, ev) {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	n.subscribers = append(n.subscribers, sub)

	go func() {
		<-ctx.Done()
		n.lk.Lock()
		defer n.lk.Unlock()
		for i, s := range n.subscribers {
			if s == sub {
				n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// PublishedEvents returns everything published so far.
func (n *FakeBroadcastNode) PublishedEvents() []*event.Event {
	n.lk.Lock()
	defer n.lk.Unlock()
	out := make([]*event.Event, len(n.log))
	copy(out, n.log)
	return out
}

type fakeInvoice struct {
	preimage string
	amount   int64
	settled  int64
}

// FakePaymentNode is an in-process payment network. Invoices settle when a
// test calls SettlePayment (or PayInvoice, which settles its own invoice).
type FakePaymentNode struct {
	lk         sync.Mutex
	byHash     map[string]*fakeInvoice
	byEncoding map[string]string
	waiters    map[string][]chan mkt.PaymentResult

	// CreateInvoiceErr, when set, fails invoice creation.
	CreateInvoiceErr error
}

// NewFakePaymentNode constructs an empty payment network.
func NewFakePaymentNode() *FakePaymentNode {
	return &FakePaymentNode{
		byHash:     make(map[string]*fakeInvoice),
		byEncoding: make(map[string]string),
		waiters:    make(map[string][]chan mkt.PaymentResult),
	}
}

// CreateInvoice issues a fake payment request. The encoding is opaque and
// unique per invoice.
func (n *FakePaymentNode) CreateInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (mkt.Invoice, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.CreateInvoiceErr != nil {
		return mkt.Invoice{}, n.CreateInvoiceErr
	}

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return mkt.Invoice{}, err
	}
	hash := sha256.Sum256(preimage[:])
	hashHex := hex.EncodeToString(hash[:])
	encoded := "lnfake1" + uuid.New().String()

	n.byHash[hashHex] = &fakeInvoice{
		preimage: hex.EncodeToString(preimage[:]),
		amount:   amountSats,
	}
	n.byEncoding[encoded] = hashHex
	return mkt.Invoice{Invoice: encoded, PaymentHash: hashHex}, nil
}

// SettlePayment marks a payment hash settled for the given amount. Unknown
// hashes are registered on the fly, which lets tests settle hashes minted
// outside this node (escrow funding hashes in particular).
func (n *FakePaymentNode) SettlePayment(paymentHash string, amountSats int64) {
	n.lk.Lock()
	inv, ok := n.byHash[paymentHash]
	if !ok {
		inv = &fakeInvoice{amount: amountSats}
		n.byHash[paymentHash] = inv
	}
	inv.settled = amountSats
	waiters := n.waiters[paymentHash]
	delete(n.waiters, paymentHash)
	n.lk.Unlock()

	result := mkt.PaymentResult{Preimage: inv.preimage, PaidAt: time.Now().Unix()}
	for _, w := range waiters {
		w <- result
	}
}

// AwaitPayment blocks until the payment settles or ctx is done.
func (n *FakePaymentNode) AwaitPayment(ctx context.Context, paymentHash string) (mkt.PaymentResult, error) {
	n.lk.Lock()
	if inv, ok := n.byHash[paymentHash]; ok && inv.settled > 0 {
		n.lk.Unlock()
		return mkt.PaymentResult{Preimage: inv.preimage, PaidAt: time.Now().Unix()}, nil
	}
	ch := make(chan mkt.PaymentResult, 1)
	n.waiters[paymentHash] = append(n.waiters[paymentHash], ch)
	n.lk.Unlock()

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return mkt.PaymentResult{}, ctx.Err()
	}
}

// PayInvoice settles a previously issued invoice in full.
func (n *FakePaymentNode) PayInvoice(ctx context.Context, invoice string) (mkt.PaymentResult, error) {
	n.lk.Lock()
	hash, ok := n.byEncoding[invoice]
	n.lk.Unlock()
	if !ok {
		return mkt.PaymentResult{}, xerrors.Errorf("unknown invoice %s", invoice)
	}
	n.lk.Lock()
	amount := n.byHash[hash].amount
	n.lk.Unlock()
	n.SettlePayment(hash, amount)
	n.lk.Lock()
	preimage := n.byHash[hash].preimage
	n.lk.Unlock()
	return mkt.PaymentResult{Preimage: preimage, PaidAt: time.Now().Unix()}, nil
}

// CheckSettled reports whether paymentHash settled for at least amountSats.
func (n *FakePaymentNode) CheckSettled(ctx context.Context, paymentHash string, amountSats int64) (bool, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	inv, ok := n.byHash[paymentHash]
	return ok && inv.settled >= amountSats, nil
}

var _ mkt.BroadcastNode = (*FakeBroadcastNode)(nil)
var _ mkt.PaymentNode = (*FakePaymentNode)(nil)
