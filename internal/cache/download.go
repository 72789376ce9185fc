package cache

import (
	"context"
	"net/url"
	"path"

	"github.com/cockroachdb/errors"

	"github.com/nucleus/source-pipeline/internal/httpclient"
	"github.com/nucleus/source-pipeline/internal/source"
)

// Fetcher issues GET requests against absolute URLs.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, query url.Values) (*httpclient.Response, error)
}

// File is one downloaded upstream file.
type File struct {
	Name string
	Data []byte
}

// Downloader fetches every URL of a descriptor.
type Downloader interface {
	Download(ctx context.Context, urls []string) ([]File, error)
}

// DownloaderFor returns the downloader for a descriptor type.
func DownloaderFor(typ string, fetcher Fetcher) (Downloader, error) {
	switch typ {
	case source.TypeHTTP, source.TypeHTTPS:
		return &HTTPDownloader{fetcher: fetcher}, nil
	case source.TypeESRI:
		return NewEsriDownloader(fetcher), nil
	default:
		return nil, errors.Wrapf(source.ErrUnsupportedType, "download type %q", typ)
	}
}

// HTTPDownloader fetches each URL with a plain GET.
type HTTPDownloader struct {
	fetcher Fetcher
}

func (d *HTTPDownloader) Download(ctx context.Context, urls []string) ([]File, error) {
	files := make([]File, 0, len(urls))
	for _, raw := range urls {
		resp, err := d.fetcher.Get(ctx, raw, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to download %s", raw)
		}
		files = append(files, File{Name: fileName(raw, "data"), Data: resp.Body})
	}
	return files, nil
}

// fileName takes the last path segment of rawURL, or fallback.
func fileName(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return name
}
