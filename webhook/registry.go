package webhook

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/exquy/txrecover/core"
)

// RegisterRequest creates a subscription. An empty Secret lets the registry
// generate one.
type RegisterRequest struct {
	OriginSystem string           `json:"originSystem"`
	CallbackURL  string           `json:"callbackUrl"`
	Events       []core.EventType `json:"events"`
	Secret       string           `json:"secret,omitempty"`
	MaxRetries   *int             `json:"maxRetries,omitempty"`
	Description  string           `json:"description,omitempty"`
	ContactEmail string           `json:"contactEmail,omitempty"`
}

// UpdateRequest partially updates a subscription: nil fields keep the
// existing value.
type UpdateRequest struct {
	CallbackURL  *string           `json:"callbackUrl,omitempty"`
	Events       *[]core.EventType `json:"events,omitempty"`
	Secret       *string           `json:"secret,omitempty"`
	IsActive     *bool             `json:"isActive,omitempty"`
	MaxRetries   *int              `json:"maxRetries,omitempty"`
	Description  *string           `json:"description,omitempty"`
	ContactEmail *string           `json:"contactEmail,omitempty"`
}

// Registration is the one response that carries the signing key. The key is
// the stored token; it is never retrievable afterwards.
type Registration struct {
	Subscription *core.WebhookSubscription `json:"subscription"`
	SigningKey   string                    `json:"signingKey"`
}

// Registry manages webhook subscriptions: validation, secret handling, and
// the event-type routing index used by the delivery engine.
type Registry struct {
	store      core.SubscriptionStore
	security   *SecurityService
	ids        *core.IDGenerator
	clock      core.Clock
	logger     core.Logger
	maxRetries int
}

// NewRegistry wires a subscription registry. maxRetries is the default
// per-subscription retry budget for deliveries.
func NewRegistry(store core.SubscriptionStore, security *SecurityService, ids *core.IDGenerator, clock core.Clock, logger core.Logger, maxRetries int) *Registry {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		store:      store,
		security:   security,
		ids:        ids,
		clock:      clock,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Register validates and stores a new subscription. The returned signing
// key is the stored token: subscribers verify delivery signatures with it,
// and prove ownership later by presenting the plaintext secret.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest) (*Registration, error) {
	if req.OriginSystem == "" {
		return nil, fmt.Errorf("origin system is required: %w", core.ErrValidation)
	}
	if err := r.security.ValidateCallbackURL(req.CallbackURL); err != nil {
		return nil, err
	}
	if err := validateEvents(req.Events); err != nil {
		return nil, err
	}
	maxRetries := r.maxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("max retries must not be negative: %w", core.ErrValidation)
		}
		maxRetries = *req.MaxRetries
	}

	secret := req.Secret
	if secret == "" {
		generated, err := r.security.GenerateSecret()
		if err != nil {
			return nil, err
		}
		secret = generated
	}
	stored, err := r.security.HashSecret(secret)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	sub := &core.WebhookSubscription{
		ID:            r.ids.NewID(),
		OriginSystem:  req.OriginSystem,
		CallbackURL:   req.CallbackURL,
		Events:        req.Events,
		SecurityToken: stored,
		IsActive:      true,
		MaxRetries:    maxRetries,
		Description:   req.Description,
		ContactEmail:  req.ContactEmail,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.Insert(ctx, sub); err != nil {
		return nil, err
	}

	r.logger.Info("Webhook subscription registered", map[string]interface{}{
		"subscription_id": sub.ID.String(),
		"origin_system":   sub.OriginSystem,
		"callback_url":    sub.CallbackURL,
		"events":          len(sub.Events),
	})
	return &Registration{Subscription: sub, SigningKey: stored}, nil
}

// Get returns a subscription by id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*core.WebhookSubscription, error) {
	return r.store.Get(ctx, id)
}

// List returns all subscriptions, optionally filtered by origin system.
func (r *Registry) List(ctx context.Context, origin string) ([]*core.WebhookSubscription, error) {
	if origin == "" {
		return r.store.List(ctx)
	}
	return r.store.FindByOrigin(ctx, origin)
}

// Update applies a partial update. Rotating the secret returns the new
// signing key; otherwise the key field is empty.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, req *UpdateRequest) (*Registration, error) {
	sub, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.CallbackURL != nil {
		if err := r.security.ValidateCallbackURL(*req.CallbackURL); err != nil {
			return nil, err
		}
		sub.CallbackURL = *req.CallbackURL
	}
	if req.Events != nil {
		if err := validateEvents(*req.Events); err != nil {
			return nil, err
		}
		sub.Events = *req.Events
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("max retries must not be negative: %w", core.ErrValidation)
		}
		sub.MaxRetries = *req.MaxRetries
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.ContactEmail != nil {
		sub.ContactEmail = *req.ContactEmail
	}

	signingKey := ""
	if req.Secret != nil {
		secret := *req.Secret
		if secret == "" {
			generated, gerr := r.security.GenerateSecret()
			if gerr != nil {
				return nil, gerr
			}
			secret = generated
		}
		stored, herr := r.security.HashSecret(secret)
		if herr != nil {
			return nil, herr
		}
		sub.SecurityToken = stored
		signingKey = stored
	}

	sub.UpdatedAt = r.clock.Now()
	if err := r.store.Update(ctx, sub); err != nil {
		return nil, err
	}

	r.logger.Info("Webhook subscription updated", map[string]interface{}{
		"subscription_id": sub.ID.String(),
		"rotated_secret":  signingKey != "",
	})
	return &Registration{Subscription: sub, SigningKey: signingKey}, nil
}

// Delete removes a subscription.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("Webhook subscription deleted", map[string]interface{}{
		"subscription_id": id.String(),
	})
	return nil
}

// SetActive toggles delivery to the subscription without deleting it.
func (r *Registry) SetActive(ctx context.Context, id uuid.UUID, active bool) (*core.WebhookSubscription, error) {
	sub, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsActive == active {
		return sub, nil
	}
	sub.IsActive = active
	sub.UpdatedAt = r.clock.Now()
	if err := r.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Resolve returns the active subscriptions that should receive an event of
// the given type produced by the given origin system.
func (r *Registry) Resolve(ctx context.Context, eventType core.EventType, origin string) ([]*core.WebhookSubscription, error) {
	return r.store.FindActiveByEvent(ctx, eventType, origin)
}

func validateEvents(events []core.EventType) error {
	if len(events) == 0 {
		return fmt.Errorf("event set must not be empty: %w", core.ErrEmptyEventSet)
	}
	for _, e := range events {
		if !e.IsSubscribable() {
			return fmt.Errorf("unknown event type %q: %w", e, core.ErrValidation)
		}
	}
	return nil
}
