package services

import (
	"context"
	"fmt"

	"securechat/internal/clock"
	"securechat/internal/database"
	"securechat/internal/models"
	"securechat/internal/registry"
	"securechat/pkg/logger"
)

const maxPublicKeyLength = 8 * 1024

// Keys is the public key directory. Keys are opaque to the server; it only
// stores the latest one per identity and tells peers when it changes.
type Keys struct {
	db     database.PublicKeyRepository
	router *Router
	reg    *registry.Registry
	clock  clock.Clock
}

func NewKeys(db database.PublicKeyRepository, router *Router, reg *registry.Registry, clk clock.Clock) *Keys {
	return &Keys{db: db, router: router, reg: reg, clock: clk}
}

func (s *Keys) Share(ctx context.Context, identity, publicKey string) error {
	if publicKey == "" {
		return fmt.Errorf("%w: public_key is required", models.ErrValidation)
	}
	if len(publicKey) > maxPublicKeyLength {
		return fmt.Errorf("%w: public_key exceeds %d bytes", models.ErrValidation, maxPublicKeyLength)
	}

	key := &models.PublicKey{Identity: identity, Key: publicKey, UpdatedAt: s.clock.Now()}
	if err := s.db.SetPublicKey(ctx, key); err != nil {
		return fmt.Errorf("failed to store public key: %w", err)
	}

	peers, err := s.router.Peers(ctx, identity)
	if err != nil {
		return err
	}
	ev := models.NewEvent(models.EventPublicKeyUpdate, models.PublicKeyPayload{Identity: identity, PublicKey: publicKey})
	for _, p := range peers {
		s.reg.SendToIdentity(p, ev)
	}
	logger.Info("%s shared a public key (%d peers notified)", identity, len(peers))
	return nil
}

func (s *Keys) Get(ctx context.Context, identity string) (*models.PublicKey, error) {
	if err := models.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	return s.db.GetPublicKey(ctx, identity)
}
