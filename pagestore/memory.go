package pagestore

import (
	"context"
	"sort"
	"sync"

	pb "go.pagestream.dev/core/protocol"
)

// Memory is an in-memory Store.
type Memory struct {
	mu        sync.Mutex
	pages     map[uint32]pb.Frame
	watermark uint64
}

// NewMemory returns an empty Memory Store.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint32]pb.Frame)}
}

// Apply implements Store.
func (m *Memory) Apply(_ context.Context, frames []pb.Frame, through uint64) error {
	if err := ValidateApply(frames, through); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if through <= m.watermark {
		return nil
	}
	for _, f := range frames {
		if f.Sequence <= m.watermark {
			continue
		}
		f.PageImage = append([]byte(nil), f.PageImage...)
		f.Commit = false
		m.pages[f.PageID] = f
	}
	m.watermark = through
	return nil
}

// Watermark implements Store.
func (m *Memory) Watermark() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, nil
}

// Page implements Store.
func (m *Memory) Page(id uint32) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.pages[id]; ok {
		return append([]byte(nil), f.PageImage...), true, nil
	}
	return nil, false, nil
}

// ForEachPage implements Store.
func (m *Memory) ForEachPage(fn func(pb.Frame) error) error {
	m.mu.Lock()
	var frames = make([]pb.Frame, 0, len(m.pages))
	for _, f := range m.pages {
		frames = append(frames, f)
	}
	m.mu.Unlock()

	sort.Slice(frames, func(i, j int) bool { return frames[i].PageID < frames[j].PageID })

	for _, f := range frames {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of pages of the Memory.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// Close implements Store, and is a no-op.
func (m *Memory) Close() error { return nil }
