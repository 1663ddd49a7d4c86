package calls

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu sync.Mutex

	calls        map[string]Call
	byRef        map[string]string
	dispositions map[string][]Disposition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:        map[string]Call{},
		byRef:        map[string]string{},
		dispositions: map[string][]Disposition{},
	}
}

func (s *MemoryStore) UpsertCall(ctx context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.calls[c.CallID]; ok && c.DispositionID == "" {
		c.DispositionID = prev.DispositionID
	}
	s.calls[c.CallID] = c
	if c.ProviderRef != "" {
		s.byRef[c.ProviderRef] = c.CallID
	}
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, callID string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetCallByProviderRef(ctx context.Context, providerRef string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[providerRef]
	if !ok {
		return Call{}, ErrNotFound
	}
	return s.calls[id], nil
}

func (s *MemoryStore) ListCallsByCampaign(ctx context.Context, campaignID string) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0)
	for _, c := range s.calls {
		if c.CampaignID == campaignID {
			out = append(out, c)
		}
	}
	sortByStart(out)
	return out, nil
}

func (s *MemoryStore) ListNonTerminalCalls(ctx context.Context) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0)
	for _, c := range s.calls {
		if !c.Status.IsTerminal() {
			out = append(out, c)
		}
	}
	sortByStart(out)
	return out, nil
}

func (s *MemoryStore) AppendDisposition(ctx context.Context, d Disposition) (Disposition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[d.CallID]
	if !ok {
		return Disposition{}, ErrNotFound
	}
	d.Sequence = len(s.dispositions[d.CallID]) + 1
	s.dispositions[d.CallID] = append(s.dispositions[d.CallID], d)
	c.DispositionID = d.ID
	s.calls[c.CallID] = c
	return d, nil
}

func (s *MemoryStore) ListDispositions(ctx context.Context, callID string) ([]Disposition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Disposition, len(s.dispositions[callID]))
	copy(out, s.dispositions[callID])
	return out, nil
}

func sortByStart(cs []Call) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].StartedAt.Equal(cs[j].StartedAt) {
			return cs[i].CallID < cs[j].CallID
		}
		return cs[i].StartedAt.Before(cs[j].StartedAt)
	})
}
