// Package storage provides the Store backends the engine persists into.
package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/tessella/custody-engine/interfaces"
)

// Factory creates Store backends from URI strings.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a backend factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// StoreFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - mem:// - In-process storage, lost on restart
//   - sqlite:///path/to/db - Embedded SQLite database (sqlite://:memory: for ephemeral)
func (f *Factory) StoreFor(locationURI string) (interfaces.Store, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: storage URI %q: %v", interfaces.ErrInvalidParameters, locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mem":
		f.log.Info("using in-memory storage")
		return NewMemoryStore(), nil
	case "sqlite":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite URI needs a path", interfaces.ErrInvalidParameters)
		}
		f.log.Info("using sqlite storage", "path", path)
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: unsupported storage scheme %q", interfaces.ErrInvalidParameters, u.Scheme)
	}
}
