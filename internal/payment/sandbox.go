package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SandboxProvider mints intents locally. Intents are keyed by idempotency
// key, so a repeated create returns the original intent.
type SandboxProvider struct {
	mu       sync.Mutex
	byKey    map[string]Intent
	statuses map[string]IntentState
}

func NewSandboxProvider() *SandboxProvider {
	return &SandboxProvider{
		byKey:    map[string]Intent{},
		statuses: map[string]IntentState{},
	}
}

func (p *SandboxProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	if req.AmountMinor <= 0 {
		return Intent{}, fmt.Errorf("amount must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if intent, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return intent, nil
	}
	intent := Intent{
		ID:          "pi_sandbox_" + uuid.NewString(),
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
	}
	p.byKey[req.IdempotencyKey] = intent
	p.statuses[intent.ID] = IntentState{Status: IntentRequiresPayment, AmountMinor: req.AmountMinor}
	return intent, nil
}

func (p *SandboxProvider) IntentStatus(ctx context.Context, intentID string) (IntentState, error) {
	if err := ctx.Err(); err != nil {
		return IntentState{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.statuses[intentID]
	if !ok {
		return IntentState{}, fmt.Errorf("intent %s not found", intentID)
	}
	return state, nil
}

// Capture marks an intent as paid, standing in for the customer completing
// payment.
func (p *SandboxProvider) Capture(intentID, transactionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.statuses[intentID]
	if !ok {
		return fmt.Errorf("intent %s not found", intentID)
	}
	if state.Status != IntentRequiresPayment {
		return fmt.Errorf("intent %s is %s", intentID, state.Status)
	}
	state.Status = IntentSucceeded
	state.TransactionID = transactionID
	p.statuses[intentID] = state
	return nil
}

func (p *SandboxProvider) CancelIntent(ctx context.Context, intentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.statuses[intentID]
	if !ok {
		return fmt.Errorf("intent %s not found", intentID)
	}
	switch state.Status {
	case IntentCanceled:
		return nil
	case IntentRequiresPayment, IntentFailed:
		state.Status = IntentCanceled
		p.statuses[intentID] = state
		return nil
	default:
		return fmt.Errorf("intent %s is %s and cannot be canceled", intentID, state.Status)
	}
}

func (p *SandboxProvider) RefundIntent(ctx context.Context, intentID, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.statuses[intentID]
	if !ok {
		return fmt.Errorf("intent %s not found", intentID)
	}
	switch state.Status {
	case IntentRefunded:
		return nil
	case IntentSucceeded:
		state.Status = IntentRefunded
		p.statuses[intentID] = state
		return nil
	default:
		return fmt.Errorf("intent %s is %s and has nothing to refund", intentID, state.Status)
	}
}
