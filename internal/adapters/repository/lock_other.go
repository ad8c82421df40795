//go:build !unix

package repository

// lockDir only serializes within the process on platforms without flock.
func (s *FileStore) lockDir() (func(), error) {
	return func() {}, nil
}
