package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"resume-docgen/internal/adapter/repository"
	"resume-docgen/internal/domain"
	"resume-docgen/internal/model"
	"resume-docgen/pkg/compose"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memArtifacts is an in-memory ArtifactStore.
type memArtifacts struct {
	mu    sync.Mutex
	seq   int
	files map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{files: map[string][]byte{}}
}

func (m *memArtifacts) Save(_ context.Context, jobID uuid.UUID, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("%s_%06d.pdf", jobID, m.seq)
	m.files[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *memArtifacts) SaveAs(_ context.Context, ref, ext string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := ref + ext
	m.files[name] = append([]byte(nil), data...)
	return name, nil
}

func (m *memArtifacts) Open(_ context.Context, ref string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[ref]
	if !ok {
		return nil, "", errors.Newf("artifact %s not found", ref)
	}
	return b, "application/pdf", nil
}

func (m *memArtifacts) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, ref)
	return nil
}

func (m *memArtifacts) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// scriptedRenderer returns the queued errors in order, then succeeds.
type scriptedRenderer struct {
	mu       sync.Mutex
	failures []error
	calls    int
	docs     []compose.Document
}

func (r *scriptedRenderer) Render(ctx context.Context, doc compose.Document) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.docs = append(r.docs, doc)
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return nil, err
	}
	return []byte("%PDF-1.7\n" + doc.Title + "\n%%EOF"), nil
}

func (r *scriptedRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *scriptedRenderer) LastHTML() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) == 0 {
		return ""
	}
	return r.docs[len(r.docs)-1].HTML
}

func newTestQueue(cfg QueueConfig, clock Clock) (*Queue, *repository.MemoryJobsRepo, *memArtifacts) {
	store := repository.NewMemoryJobsRepo()
	artifacts := newMemArtifacts()
	opts := []QueueOption{}
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}
	return NewQueue(store, artifacts, cfg, zap.NewNop().Sugar(), opts...), store, artifacts
}

func samplePayload(template string) domain.RenderPayload {
	return domain.RenderPayload{
		TemplateName: template,
		RequesterID:  "user-1",
		ResumeID:     "resume-1",
		Resume: model.Resume{
			Personal: model.Personal{FullName: "Grace Hopper", Email: "grace@example.com"},
			Experience: []model.Experience{
				{Company: "Eckert-Mauchly Computer Corporation", Position: "Senior Mathematician", StartDate: "1949-01", EndDate: "1950-12"},
				{Company: "Remington Rand", Position: "Director of Automatic Programming", StartDate: "1951-01", Current: true},
			},
		},
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
