package gateway

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/models"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/storage"
)

// ErrNoToken means no bearer token is cached.
var ErrNoToken = errors.New("no bearer token cached")

// TokenStore reads the guest credentials cached in the persistence shim.
type TokenStore struct {
	store storage.Store
}

// NewTokenStore wraps store.
func NewTokenStore(store storage.Store) *TokenStore {
	return &TokenStore{store: store}
}

// Token returns the cached bearer token or ErrNoToken.
func (t *TokenStore) Token(ctx context.Context) (string, error) {
	tok, err := t.store.Get(ctx, storage.KeyToken)
	if errors.Is(err, storage.ErrMiss) || (err == nil && strings.TrimSpace(tok) == "") {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}
	return tok, nil
}

// UserID returns the cached guest user id, or "" when unknown.
func (t *TokenStore) UserID(ctx context.Context) string {
	id, err := t.store.Get(ctx, storage.KeyUserID)
	if err != nil {
		return ""
	}
	return id
}

// Save caches the credentials issued by guest login.
func (t *TokenStore) Save(ctx context.Context, token, userID string) error {
	if err := t.store.Set(ctx, storage.KeyToken, token, 0); err != nil {
		return err
	}
	return t.store.Set(ctx, storage.KeyUserID, userID, 0)
}

// Forget drops the cached credentials.
func (t *TokenStore) Forget(ctx context.Context) error {
	_, err := t.store.Del(ctx, storage.KeyToken, storage.KeyUserID)
	return err
}

type guestLoginer interface {
	GuestLogin(ctx context.Context, deviceID string) (models.GuestLoginResponse, error)
}

// EnsureGuest performs guest login once when no token is cached.
func EnsureGuest(ctx context.Context, gw guestLoginer, tokens *TokenStore, deviceID string) error {
	if _, err := tokens.Token(ctx); err == nil {
		return nil
	} else if !errors.Is(err, ErrNoToken) {
		return err
	}

	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	resp, err := gw.GuestLogin(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := tokens.Save(ctx, resp.Token, resp.User.ID); err != nil {
		return err
	}
	log.Printf("guest login ok user_id=%s device_id=%s", resp.User.ID, deviceID)
	return nil
}
