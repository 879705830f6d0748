package artifacts

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process generator that hands out deterministic references.
// It backs local runs without a document service.
type Memory struct {
	mu    sync.Mutex
	refs  map[string]string
	calls map[Kind]int
}

// NewMemory returns an empty in-memory generator.
func NewMemory() *Memory {
	return &Memory{refs: make(map[string]string), calls: make(map[Kind]int)}
}

// GenerateCertificate implements Generator.
func (m *Memory) GenerateCertificate(_ context.Context, investmentID uuid.UUID) (string, error) {
	return m.generate(KindCertificate, investmentID), nil
}

// GenerateAgreement implements Generator.
func (m *Memory) GenerateAgreement(_ context.Context, investmentID uuid.UUID) (string, error) {
	return m.generate(KindAgreement, investmentID), nil
}

// Calls reports how many generate calls were made for kind.
func (m *Memory) Calls(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

func (m *Memory) generate(kind Kind, investmentID uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[kind]++
	key := fmt.Sprintf("%s/%s", kind, investmentID)
	if ref, ok := m.refs[key]; ok {
		return ref
	}
	ref := fmt.Sprintf("mem://%s", key)
	m.refs[key] = ref
	return ref
}
