package repository

// FileOption applies a configuration option to the FileStore.
type FileOption func(*FileStore)

// WithFsync flushes each record to stable storage before it becomes visible.
func WithFsync(enabled bool) FileOption {
	return func(s *FileStore) {
		s.fsync = enabled
	}
}

// SQLiteOption applies a configuration option to the SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds.
func WithBusyTimeout(ms int) SQLiteOption {
	return func(s *SQLiteStore) {
		if ms > 0 {
			s.busyTimeout = ms
		}
	}
}
