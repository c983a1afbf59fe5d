// Package blob abstracts the durable byte store VikingFS and the queues
// sit on. Two backends ship: a local filesystem tree and an S3/TOS
// bucket. Paths are slash-separated and rooted ("/local/{account}/...").
package blob

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Entry describes one directory member or stat target.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
}

// GrepMatch is one matching line from a grep scan.
type GrepMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// Store is the minimum blob API the core consumes. Implementations
// return vkerr.KindNotFound for absent paths. Ls output is sorted by
// name; the queue layer relies on that for FIFO ordering.
type Store interface {
	// Read returns size bytes starting at offset; size < 0 reads to the end.
	Read(ctx context.Context, path string, offset, size int64) ([]byte, error)
	// Write stores data at path, creating missing parent directories.
	Write(ctx context.Context, path string, data []byte) error
	Ls(ctx context.Context, path string) ([]Entry, error)
	Mkdir(ctx context.Context, path string) error
	Rm(ctx context.Context, path string, recursive bool) error
	Mv(ctx context.Context, from, to string) error
	Stat(ctx context.Context, path string) (Entry, error)
	Grep(ctx context.Context, path, pattern string, recursive, caseInsensitive bool) ([]GrepMatch, error)
}

// Backend names accepted by New.
const (
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config selects and parameterizes a store backend.
type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Root is the filesystem directory backing the local store.
	Root string `mapstructure:"root" yaml:"root"`
	// S3 settings.
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Region    string `mapstructure:"region" yaml:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// New builds a store from config.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalStore(cfg.Root, logger)
	case BackendS3:
		return NewS3Store(ctx, cfg, logger)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, vkerr.New(vkerr.KindInvalidArgument, "unknown blob backend %q", cfg.Backend)
	}
}
