// ABOUTME: Webhook subscription management: validated create/update/delete and secret rotation
// ABOUTME: Plain-text secrets leave this package only from Create and Rotate

package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/store"
)

// Input creates a subscription. Active defaults to true.
type Input struct {
	Name     string
	URL      string
	Events   []string
	Active   *bool
	Metadata map[string]any
}

// Patch updates a subscription; nil fields are left alone.
type Patch struct {
	Name     *string
	URL      *string
	Events   []string // nil leaves events unchanged
	Active   *bool
	Metadata map[string]any
}

// Service manages webhook subscriptions.
type Service struct {
	store  *store.Store
	sealer *Sealer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a subscription manager. Pass nil logger for default.
func NewService(st *store.Store, sealer *Sealer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		sealer: sealer,
		logger: logger.With("component", "webhooks"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates in, generates a secret and stores the subscription.
// The returned secret is not retrievable later.
func (s *Service) Create(ctx context.Context, in Input) (*model.Webhook, string, error) {
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	now := s.now()
	w := &model.Webhook{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(in.Name),
		URL:       strings.TrimSpace(in.URL),
		Events:    in.Events,
		Active:    active,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := validate(w); err != nil {
		return nil, "", err
	}

	secret, sealed, err := s.newSecret()
	if err != nil {
		return nil, "", err
	}
	w.SealedSecret = sealed
	if err := s.store.InsertWebhook(ctx, w); err != nil {
		return nil, "", err
	}

	s.logger.Info("webhook created", "id", w.ID, "name", w.Name, "events", w.Events)
	return w, secret, nil
}

// Update applies patch.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*model.Webhook, error) {
	var out *model.Webhook
	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		w, err := q.GetWebhook(ctx, id)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			w.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.URL != nil {
			w.URL = strings.TrimSpace(*patch.URL)
		}
		if patch.Events != nil {
			w.Events = patch.Events
		}
		if patch.Active != nil {
			w.Active = *patch.Active
		}
		if patch.Metadata != nil {
			w.Metadata = patch.Metadata
		}
		if err := validate(w); err != nil {
			return err
		}
		w.UpdatedAt = s.now()
		if err := q.UpdateWebhook(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("webhook updated", "id", id)
	return out, nil
}

// Rotate replaces the signing secret and returns the new one.
func (s *Service) Rotate(ctx context.Context, id string) (*model.Webhook, string, error) {
	secret, sealed, err := s.newSecret()
	if err != nil {
		return nil, "", err
	}
	var out *model.Webhook
	err = s.store.WithTx(ctx, func(q *store.Queries) error {
		w, err := q.GetWebhook(ctx, id)
		if err != nil {
			return err
		}
		w.SealedSecret = sealed
		w.UpdatedAt = s.now()
		if err := q.UpdateWebhook(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("webhook secret rotated", "id", id)
	return out, secret, nil
}

// Delete removes a subscription and its undelivered outbox rows.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		return q.DeleteWebhook(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("webhook deleted", "id", id)
	return nil
}

// Get returns one subscription.
func (s *Service) Get(ctx context.Context, id string) (*model.Webhook, error) {
	return s.store.GetWebhook(ctx, id)
}

// List returns subscriptions matching f.
func (s *Service) List(ctx context.Context, f store.WebhookFilter) ([]*model.Webhook, error) {
	if f.Event != "" && !model.IsAvailableEvent(f.Event) {
		return nil, model.InvalidInput("unknown event %q", f.Event)
	}
	return s.store.ListWebhooks(ctx, f)
}

func (s *Service) newSecret() (string, []byte, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", nil, err
	}
	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return "", nil, fmt.Errorf("sealing secret: %w", err)
	}
	return secret, sealed, nil
}

// validate checks fields and normalizes the event list in place.
func validate(w *model.Webhook) error {
	if w.Name == "" {
		return model.InvalidInput("name is required")
	}
	if len(w.Name) > 255 {
		return model.InvalidInput("name must be at most 255 characters")
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.InvalidInput("url must be an absolute http or https URL")
	}

	events := make([]string, 0, len(w.Events))
	for _, e := range w.Events {
		e = strings.TrimSpace(e)
		if !model.IsAvailableEvent(e) {
			return model.InvalidInput("unknown event %q", e)
		}
		events = append(events, e)
	}
	if len(events) == 0 {
		return model.InvalidInput("at least one event is required")
	}
	slices.Sort(events)
	w.Events = slices.Compact(events)
	return nil
}
