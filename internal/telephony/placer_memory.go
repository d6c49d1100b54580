package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryPlacer records placements without calling a provider. Intended for
// tests and local runs.
type MemoryPlacer struct {
	mu     sync.Mutex
	placed []PlaceCallRequest
	seq    int

	// FailWith, when set, is returned for the placement at that index
	// (0-based, counted across calls).
	FailWith map[int]error
	attempts int
}

func NewMemoryPlacer() *MemoryPlacer {
	return &MemoryPlacer{FailWith: map[int]error{}}
}

func (p *MemoryPlacer) Name() string { return "memory" }

func (p *MemoryPlacer) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.attempts
	p.attempts++
	if err, ok := p.FailWith[idx]; ok {
		return PlaceCallResult{}, err
	}
	p.seq++
	p.placed = append(p.placed, req)
	return PlaceCallResult{
		ProviderCallID: fmt.Sprintf("mem-%d", p.seq),
		From:           req.From,
		AcceptedAt:     time.Now().UTC(),
	}, nil
}

func (p *MemoryPlacer) Placed() []PlaceCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlaceCallRequest, len(p.placed))
	copy(out, p.placed)
	return out
}
