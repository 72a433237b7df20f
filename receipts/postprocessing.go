package receipts

import "sync"

// PostProcessing collects work which must wait until every room in a sync response has been
// handled. It is shared between the goroutines handling each room.
type PostProcessing struct {
	mu          sync.Mutex
	stagedRooms []string
	seen        map[string]struct{}
}

func NewPostProcessing() *PostProcessing {
	return &PostProcessing{
		seen: make(map[string]struct{}),
	}
}

// DeleteStaged marks the staged receipts for this room as consumed. Marking the same room
// more than once has no extra effect.
func (p *PostProcessing) DeleteStaged(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[roomID]; ok {
		return
	}
	p.seen[roomID] = struct{}{}
	p.stagedRooms = append(p.stagedRooms, roomID)
}

// StagedRoomIDs returns the rooms passed to DeleteStaged, in the order they were first passed.
func (p *PostProcessing) StagedRoomIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]string, len(p.stagedRooms))
	copy(result, p.stagedRooms)
	return result
}
