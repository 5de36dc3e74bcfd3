package memstore

import (
	"context"

	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

type subscription struct {
	*store.Feed
	segs []string
}

// Watch implements store.Client
func (s *Store) Watch(ctx context.Context, path string) (store.Subscription, error) {
	sub := &subscription{segs: tree.Split(path)}
	sub.Feed = store.NewFeed(func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()

	s.logger.Debugw("watch", "path", path)
	return sub, nil
}

// Subscribers returns the number of live subscriptions
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
