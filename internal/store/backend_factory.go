package store

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

// BuildBackendFromDSN opens the backend named by the DSN scheme:
// memory://, file://path, pebble://dir or postgres://... An empty DSN
// selects the memory backend.
func BuildBackendFromDSN(dsn string, opts Options) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(opts), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(opts), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenFileStore(path, opts)
	case "pebble":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenPebbleStore(dir, opts)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts)
	case "mysql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", relaysync.ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", relaysync.ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", relaysync.ErrInvalidInput
	}
	return path, nil
}
