package storage

import "github.com/mapflow/mapflow/pkg/storage"

// InitStore picks the backend: Postgres when a DSN is configured, otherwise
// the file store rooted at jobsDir.
func InitStore(postgresDSN, jobsDir string) (storage.Store, error) {
	if postgresDSN != "" {
		return NewPostgresStore(postgresDSN)
	}
	return NewFileStore(jobsDir)
}
