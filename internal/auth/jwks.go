package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// jwksMinRefreshInterval はIdPのCache-Controlが短い場合でも守る再取得の最小間隔。
const jwksMinRefreshInterval = 15 * time.Minute

// jwksCache はIdPの公開鍵セットをjwk.Cacheで保持する。
// 初回のgetで取得し、以降はバックグラウンドで定期的に再取得される。
type jwksCache struct {
	url    string
	cache  *jwk.Cache
	cancel context.CancelFunc
	err    error
}

func newJWKSCache(url string, client *http.Client, minRefresh time.Duration) *jwksCache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &jwksCache{url: url, cache: jwk.NewCache(ctx), cancel: cancel}
	if err := c.cache.Register(url,
		jwk.WithMinRefreshInterval(minRefresh),
		jwk.WithHTTPClient(client),
	); err != nil {
		c.err = fmt.Errorf("failed to register jwks url: %w", err)
	}
	return c
}

func (c *jwksCache) get(ctx context.Context) (jwk.Set, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.cache.Get(ctx, c.url)
}

// close はバックグラウンドの再取得を停止する。
func (c *jwksCache) close() {
	c.cancel()
}
