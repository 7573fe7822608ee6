package namespace

import (
	"context"
	"sync"
)

// MemoryService is a thread-safe in-memory Service fake. Datasets are
// registered explicitly; a lookup for an unregistered id returns (nil, nil),
// modeling dataset deletion/non-existence.
type MemoryService struct {
	datasets map[string]*DatasetConfig
	mutex    sync.RWMutex
}

// NewMemoryService creates an empty in-memory namespace service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		datasets: make(map[string]*DatasetConfig),
	}
}

// Put registers or replaces a dataset's metadata.
func (s *MemoryService) Put(datasetID string, cfg *DatasetConfig) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cfgCopy := *cfg
	s.datasets[datasetID] = &cfgCopy
}

// Remove models a dataset's deletion from the catalog.
func (s *MemoryService) Remove(datasetID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.datasets, datasetID)
}

// FindDatasetByUUID returns the registered dataset, or (nil, nil) if unknown.
func (s *MemoryService) FindDatasetByUUID(_ context.Context, datasetID string) (*DatasetConfig, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cfg, exists := s.datasets[datasetID]
	if !exists {
		return nil, nil
	}

	cfgCopy := *cfg

	return &cfgCopy, nil
}
