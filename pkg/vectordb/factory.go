package vectordb

import (
	"context"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// New builds the adapter for the configured backend. The context is
// reserved for backends that probe the service during construction.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		b   backend
		err error
	)
	switch cfg.Backend {
	case BackendLocal, "":
		b = newLocalBackend(cfg, logger)
	case BackendHTTP:
		b, err = newHTTPBackend(cfg, logger)
	case BackendVolcengine:
		b, err = newVolcengineBackend(cfg, logger)
	case BackendPrivate:
		b, err = newPrivateBackend(cfg, logger)
	default:
		return nil, vkerr.New(vkerr.KindInvalidArgument,
			"vector backend %q is not supported (available: local, http, volcengine, vikingdb)", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return newAdapter(cfg.CollectionName(), b, logger), nil
}
