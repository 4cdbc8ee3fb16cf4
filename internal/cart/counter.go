package cart

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/refresh"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/storage"
)

type Gateway interface {
	CartCount(ctx context.Context, token string) (int, error)
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Counter keeps the buyer's cart count mirrored in the persistence shim.
// Refetches go through a coalescing queue, so bursts of cart changes cost at
// most one extra request.
type Counter struct {
	gw        Gateway
	tokens    TokenSource
	store     storage.Store
	refresher *refresh.Coalescer
}

func NewCounter(base context.Context, gw Gateway, tokens TokenSource, store storage.Store) *Counter {
	c := &Counter{gw: gw, tokens: tokens, store: store}
	c.refresher = refresh.New(base, "cart", c.fetch)
	return c
}

// Refresh requests a refetch of the count.
func (c *Counter) Refresh() bool {
	return c.refresher.Request()
}

// Wait blocks until pending refetches are done and returns the last error.
func (c *Counter) Wait(ctx context.Context) error {
	return c.refresher.Wait(ctx)
}

// Count returns the mirrored count. ok is false when nothing was fetched yet.
func (c *Counter) Count(ctx context.Context) (n int, ok bool, err error) {
	v, err := c.store.Get(ctx, storage.KeyCart)
	if errors.Is(err, storage.ErrMiss) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err = strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("cart count %q: %w", v, err)
	}
	return n, true, nil
}

func (c *Counter) fetch(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	n, err := c.gw.CartCount(ctx, token)
	if err != nil {
		return fmt.Errorf("cart count: %w", err)
	}
	return c.store.Set(ctx, storage.KeyCart, strconv.Itoa(n), 0)
}
