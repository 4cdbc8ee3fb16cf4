package realtime

import (
	"context"
	"log"
	"sync"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/models"
)

// Refresher is told to reload history when the chat changes remotely.
type Refresher interface {
	Refresh() bool
}

// TokenSource yields the bearer token used to open streams.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type stream interface {
	Run(ctx context.Context, token, chatID string, onEvent func(models.ChatEvent)) error
}

type subscription struct {
	chatID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Follower keeps one gateway stream per session handle and turns every
// event into a coalesced refresh of that session.
type Follower struct {
	stream stream
	tokens TokenSource

	mu   sync.Mutex
	subs map[string]subscription
}

func NewFollower(l *Listener, tokens TokenSource) *Follower {
	return &Follower{stream: l, tokens: tokens, subs: make(map[string]subscription)}
}

// Follow starts streaming chatID for handle. Following the chat a handle
// already follows is a no-op; a different chat replaces the old stream.
func (f *Follower) Follow(handle, chatID string, target Refresher) {
	f.mu.Lock()
	if sub, ok := f.subs[handle]; ok {
		if sub.chatID == chatID {
			f.mu.Unlock()
			return
		}
		sub.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := subscription{chatID: chatID, cancel: cancel, done: make(chan struct{})}
	f.subs[handle] = sub
	f.mu.Unlock()

	go func() {
		defer close(sub.done)
		token, err := f.tokens.Token(ctx)
		if err != nil {
			log.Printf("realtime: not following chat %s: %v", chatID, err)
			return
		}
		_ = f.stream.Run(ctx, token, chatID, func(ev models.ChatEvent) {
			switch ev.Type {
			case models.EventMessage, models.EventDeleteForAll:
				target.Refresh()
			}
		})
	}()
}

// Stop ends the stream for handle and waits for it to exit.
func (f *Follower) Stop(handle string) {
	f.mu.Lock()
	sub, ok := f.subs[handle]
	delete(f.subs, handle)
	f.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	<-sub.done
}

// StopAll ends every stream.
func (f *Follower) StopAll() {
	f.mu.Lock()
	handles := make([]string, 0, len(f.subs))
	for h := range f.subs {
		handles = append(handles, h)
	}
	f.mu.Unlock()
	for _, h := range handles {
		f.Stop(h)
	}
}

// Following returns the chat id streamed for handle.
func (f *Follower) Following(handle string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[handle]
	return sub.chatID, ok
}
