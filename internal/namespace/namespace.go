// Package namespace provides the dataset-metadata lookup contract the
// reconciler uses to detect dataset deletion and resolve dataset paths for
// hashing and refresh decisions. The in-memory implementation here is a
// stand-in for a real catalog service, used for standalone runs and tests.
package namespace

import "context"

// DatasetConfig describes a dataset as known to the namespace/catalog.
type DatasetConfig struct {
	// FullPathList is the resolved path components of the dataset, e.g.
	// ["warehouse", "sales", "orders"].
	FullPathList []string

	// Version changes whenever the dataset's schema or partition layout
	// changes; reconciler hashing folds this in to detect drift.
	Version int64
}

// Service looks up dataset metadata by the UUID a ReflectionGoal references.
// A nil, nil return means the dataset no longer exists.
type Service interface {
	FindDatasetByUUID(ctx context.Context, datasetID string) (*DatasetConfig, error)
}
