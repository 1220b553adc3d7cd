package querycache

import "context"

// InfiniteData is the cached value of a paginated query: the pages fetched
// so far and the parameter each page was fetched with, index-aligned.
// Snapshots share no slice storage with the cache, so a held copy never
// changes under the holder.
type InfiniteData struct {
	Pages      []any `json:"pages" msgpack:"pages"`
	PageParams []any `json:"pageParams" msgpack:"pageParams"`
}

// FetchDirection tells a paginated fetch which end of the page list to
// extend.
type FetchDirection string

const (
	FetchForward  FetchDirection = "forward"
	FetchBackward FetchDirection = "backward"
)

// FetchMeta describes the fetch currently (or most recently) in flight.
type FetchMeta struct {
	Direction FetchDirection
}

func asInfiniteData(v any) (InfiniteData, bool) {
	d, ok := v.(InfiniteData)
	return d, ok
}

func paramAt(params []any, i int) any {
	if i < 0 || i >= len(params) {
		return nil
	}
	return params[i]
}

// nextPageParam derives the parameter for the page after the last one.
// A nil parameter, like ok=false, means the forward end is exhausted.
func nextPageParam(opts QueryOptions, data InfiniteData) (any, bool) {
	if opts.GetNextPageParam == nil || len(data.Pages) == 0 {
		return nil, false
	}
	last := len(data.Pages) - 1
	param, ok := opts.GetNextPageParam(data.Pages[last], data.Pages, paramAt(data.PageParams, last), data.PageParams)
	if !ok || param == nil {
		return nil, false
	}
	return param, true
}

// previousPageParam derives the parameter for the page before the first one.
func previousPageParam(opts QueryOptions, data InfiniteData) (any, bool) {
	if opts.GetPreviousPageParam == nil || len(data.Pages) == 0 {
		return nil, false
	}
	param, ok := opts.GetPreviousPageParam(data.Pages[0], data.Pages, paramAt(data.PageParams, 0), data.PageParams)
	if !ok || param == nil {
		return nil, false
	}
	return param, true
}

// appendPage returns a new InfiniteData with page added at the end the
// direction names. When maxPages is exceeded the page at the opposite end
// falls off. The input's slices are never mutated.
func appendPage(data InfiniteData, page, param any, dir FetchDirection, maxPages int) InfiniteData {
	if dir == FetchBackward {
		pages := append([]any{page}, data.Pages...)
		params := append([]any{param}, data.PageParams...)
		if maxPages > 0 && len(pages) > maxPages {
			pages = pages[:maxPages]
			params = params[:maxPages]
		}
		return InfiniteData{Pages: pages, PageParams: params}
	}
	pages := append(append(make([]any, 0, len(data.Pages)+1), data.Pages...), page)
	params := append(append(make([]any, 0, len(data.PageParams)+1), data.PageParams...), param)
	if maxPages > 0 && len(pages) > maxPages {
		pages = pages[len(pages)-maxPages:]
		params = params[len(params)-maxPages:]
	}
	return InfiniteData{Pages: pages, PageParams: params}
}

// infiniteFetchFunc wraps a page fetcher into a whole-value fetch for the
// retry machinery. current is the query's data when the fetch started and
// dir the requested extension, empty for a plain load or refetch.
//
// Extensions fetch exactly one page and keep the rest; if the end is
// already exhausted the old value is returned unchanged. Refetches rebuild
// every held page sequentially from the first, re-deriving each parameter
// from the pages fetched so far, so parameters embedded in page contents
// (cursors) stay valid; the rebuild stops early if an end disappears. Any
// page error fails the whole fetch and leaves the old value in place.
func infiniteFetchFunc(opts QueryOptions, base FetchContext, current any, dir FetchDirection) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		old, _ := asInfiniteData(current)

		fetchPage := func(data InfiniteData, param any, d FetchDirection) (InfiniteData, error) {
			fctx := base
			fctx.PageParam = param
			page, err := opts.Fetch(ctx, fctx)
			if err != nil {
				return InfiniteData{}, err
			}
			return appendPage(data, page, param, d, opts.MaxPages), nil
		}

		if dir != "" && len(old.Pages) > 0 {
			var param any
			var ok bool
			if dir == FetchBackward {
				param, ok = previousPageParam(opts, old)
			} else {
				param, ok = nextPageParam(opts, old)
			}
			if !ok {
				return old, nil
			}
			return fetchPage(old, param, dir)
		}

		remaining := len(old.Pages)
		if remaining < 1 {
			remaining = 1
		}
		param := opts.InitialPageParam
		if len(old.PageParams) > 0 {
			param = old.PageParams[0]
		}

		var data InfiniteData
		for i := 0; i < remaining; i++ {
			var err error
			data, err = fetchPage(data, param, FetchForward)
			if err != nil {
				return nil, err
			}
			var ok bool
			param, ok = nextPageParam(opts, data)
			if !ok {
				break
			}
		}
		return data, nil
	}
}
