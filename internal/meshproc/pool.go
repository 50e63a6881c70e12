package meshproc

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/rtaccel/internal/model"
)

// ProcessAll runs Process over meshes on at most workers goroutines. Results
// keep the input order. The first error cancels the remaining work.
func ProcessAll(ctx context.Context, meshes []Mesh, opts Options, workers int) ([]*model.MeshSpec, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	out := make([]*model.MeshSpec, len(meshes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range meshes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			spec, err := Process(meshes[i], opts)
			if err != nil {
				return err
			}
			out[i] = spec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
