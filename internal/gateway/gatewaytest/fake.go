// Package gatewaytest provides an in-process payment gateway and helpers that
// sign webhook payloads the way Stripe does.
package gatewaytest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"

	"marketplace-ledger/internal/domain"
)

// Gateway records intents in memory. Set CreateErr to fail creation, or Block
// to make creation wait for the caller's context to expire.
type Gateway struct {
	mu      sync.Mutex
	intents map[string]*domain.PaymentIntent
	seq     int

	CreateErr error
	LookupErr error
	Block     bool
	Requests  []domain.PaymentIntentRequest
}

var _ domain.PaymentGateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{intents: make(map[string]*domain.PaymentIntent)}
}

func (g *Gateway) CreatePaymentIntent(ctx context.Context, req domain.PaymentIntentRequest) (*domain.PaymentIntent, error) {
	g.mu.Lock()
	g.Requests = append(g.Requests, req)
	block, createErr := g.Block, g.CreateErr
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if createErr != nil {
		return nil, createErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	id := fmt.Sprintf("pi_test_%d", g.seq)
	intent := &domain.PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       domain.IntentOpen,
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
		Metadata:     req.Metadata,
	}
	g.intents[id] = intent
	cp := *intent
	return &cp, nil
}

func (g *Gateway) GetPaymentIntent(_ context.Context, intentID string) (*domain.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.LookupErr != nil {
		return nil, g.LookupErr
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, nil
	}
	cp := *intent
	return &cp, nil
}

func (g *Gateway) FindPaymentIntentByTransaction(_ context.Context, transactionID string) (*domain.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.LookupErr != nil {
		return nil, g.LookupErr
	}
	for _, intent := range g.intents {
		if intent.Metadata[domain.GatewayMetaTransactionID] == transactionID {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, nil
}

// Put stores an intent as if the gateway had created it out of band.
func (g *Gateway) Put(intent domain.PaymentIntent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[intent.ID] = &intent
}

// SetStatus moves an intent to status, recording reason for failures.
func (g *Gateway) SetStatus(intentID string, status domain.IntentStatus, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if intent, ok := g.intents[intentID]; ok {
		intent.Status = status
		intent.FailureReason = reason
	}
}

func (g *Gateway) Intent(intentID string) (domain.PaymentIntent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return domain.PaymentIntent{}, false
	}
	return *intent, true
}

func (g *Gateway) RequestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Requests)
}

// Event describes a payment intent webhook delivery.
type Event struct {
	ID            string
	Type          string
	IntentID      string
	AmountMinor   int64
	Currency      string
	OwnerID       string
	TransactionID string
	FailureReason string
}

// Payload renders e as a Stripe event body.
func Payload(e Event) []byte {
	intent := map[string]interface{}{
		"id":       e.IntentID,
		"object":   "payment_intent",
		"amount":   e.AmountMinor,
		"currency": e.Currency,
		"status":   "succeeded",
		"metadata": map[string]string{
			domain.GatewayMetaOwnerID:       e.OwnerID,
			domain.GatewayMetaTransactionID: e.TransactionID,
		},
	}
	if e.FailureReason != "" {
		intent["status"] = "requires_payment_method"
		intent["last_payment_error"] = map[string]string{"message": e.FailureReason}
	}

	body, err := json.Marshal(map[string]interface{}{
		"id":          e.ID,
		"object":      "event",
		"type":        e.Type,
		"api_version": "2023-10-16",
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": intent},
	})
	if err != nil {
		panic(err)
	}
	return body
}

// Sign returns a Stripe-Signature header for payload.
func Sign(secret string, payload []byte, at time.Time) string {
	sig := webhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}
