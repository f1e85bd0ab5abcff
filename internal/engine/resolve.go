package engine

import (
	"context"

	"github.com/goodtune/kfetch/internal/media"
)

// resolve returns metadata for url from the cache or the fetcher.
// Concurrent resolves of one URL share a single fetcher call, which is not
// cancelled when one of the waiting callers gives up.
func (e *Engine) resolve(ctx context.Context, url string) (*media.Info, error) {
	if e.cache != nil {
		if info, ok := e.cache.Get(url); ok {
			return info, nil
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := e.resolves.DoChan(url, func() (interface{}, error) {
		info, err := e.fetcher.ResolveInfo(shared, url)
		if err != nil {
			return nil, err
		}
		if e.cache != nil {
			e.cache.Add(url, info)
		}
		return info, nil
	})

	select {
	case <-ctx.Done():
		return nil, media.NewError(media.ErrCancelled, "resolve", "", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			e.logger.Info().Err(r.Err).Str("url", url).Str("category", media.Code(r.Err)).Msg("Failed to resolve URL")
			return nil, media.Wrap("resolve", r.Err)
		}
		return r.Val.(*media.Info), nil
	}
}
