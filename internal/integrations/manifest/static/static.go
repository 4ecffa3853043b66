package static

import (
	"context"
	"fmt"
	"sync"

	"github.com/BearBump/HandoffBox/internal/apperrors"
)

// Source — манифесты в памяти, для локального запуска и тестов.
// Ключ — location; actorRef не учитывается.
type Source struct {
	mu        sync.RWMutex
	manifests map[string][]string
}

func New(manifests map[string][]string) *Source {
	s := &Source{manifests: make(map[string][]string, len(manifests))}
	for loc, codes := range manifests {
		s.Put(loc, codes)
	}
	return s
}

func (s *Source) Put(location string, codes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[location] = append([]string(nil), codes...)
}

func (s *Source) Expected(ctx context.Context, location, actorRef string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes, ok := s.manifests[location]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("no manifest for location %s", location))
	}
	return append([]string(nil), codes...), nil
}
