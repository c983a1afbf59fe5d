package vikingfs

import (
	"context"
	"time"

	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/semantic"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/uri"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Abstract returns the L0 summary of the context directory at u. The
// target must be a directory; a context without a generated abstract
// yet reports not found.
func (fs *FS) Abstract(ctx context.Context, rc identity.RequestContext, u string) (string, error) {
	return fs.readContextFile(ctx, rc, u, types.AbstractFileName)
}

// Overview returns the L1 summary of the context directory at u.
func (fs *FS) Overview(ctx context.Context, rc identity.RequestContext, u string) (string, error) {
	return fs.readContextFile(ctx, rc, u, types.OverviewFileName)
}

func (fs *FS) readContextFile(ctx context.Context, rc identity.RequestContext, u, name string) (string, error) {
	e, err := fs.Stat(ctx, rc, u)
	if err != nil {
		return "", err
	}
	if !e.IsDir {
		return "", vkerr.New(vkerr.KindInvalidArgument, "%s is not a directory", u)
	}
	return fs.ReadFile(ctx, rc, uri.Join(u, name))
}

// WriteContextOptions carries the pieces of a context write. Empty
// pieces are skipped; ContentFilename defaults to "content.md".
type WriteContextOptions struct {
	Content         []byte
	Abstract        string
	Overview        string
	ContentFilename string
}

// WriteContext materializes a context directory at u: the content file
// plus the abstract and overview dotfiles, each written only when
// provided. The directory itself is always created.
func (fs *FS) WriteContext(ctx context.Context, rc identity.RequestContext, u string, opts WriteContextOptions) (err error) {
	started := time.Now()
	defer func() { track("write_context", started, err) }()
	ctx, span := tracing.StartSpan(ctx, "fs write_context")
	defer span.End()
	if err = ensureAccess(rc, u); err != nil {
		return err
	}
	if err = fs.store.Mkdir(ctx, fs.path(rc, u)); err != nil {
		return err
	}
	name := opts.ContentFilename
	if name == "" {
		name = "content.md"
	}
	if len(opts.Content) > 0 {
		if err = fs.Write(ctx, rc, uri.Join(u, name), opts.Content); err != nil {
			return err
		}
	}
	if opts.Abstract != "" {
		if err = fs.WriteFile(ctx, rc, uri.Join(u, types.AbstractFileName), opts.Abstract); err != nil {
			return err
		}
	}
	if opts.Overview != "" {
		if err = fs.WriteFile(ctx, rc, uri.Join(u, types.OverviewFileName), opts.Overview); err != nil {
			return err
		}
	}
	return fs.enqueueSemantic(ctx, rc, u)
}

// enqueueSemantic hands the written subtree to the Semantic queue so
// the DAG walk regenerates its summaries and embeddings.
func (fs *FS) enqueueSemantic(ctx context.Context, rc identity.RequestContext, u string) error {
	if fs.semanticQ == nil {
		return nil
	}
	space, _ := uri.ExtractSpace(u)
	if space == "" {
		space = rc.UserSpace
	}
	msg := semantic.SemanticMsg{
		URI:        u,
		AccountID:  rc.AccountID,
		OwnerSpace: space,
	}
	if _, err := fs.semanticQ.Enqueue(ctx, msg); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "enqueue semantic indexing for %s", u)
	}
	return nil
}
