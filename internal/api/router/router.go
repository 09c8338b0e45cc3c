package router

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/webp-offload/internal/api/handlers/asset"
)

// Setup registers the API routes. metrics, when non-nil, is served on
// /metrics.
func Setup(h *asset.Handler, metrics http.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	if metrics != nil {
		r.GET("/metrics", func(c *ginext.Context) {
			metrics.ServeHTTP(c.Writer, c.Request)
		})
	}

	api := r.Group("/api")

	api.POST("/batches/process", h.ProcessBatch)      // convert one page of assets
	api.POST("/batches/sync", h.SyncToStorage)        // upload one page of webp files
	api.POST("/batches/rewrite", h.RewriteReferences) // repoint one page of documents

	api.POST("/assets", h.Enqueue)            // queue an asset for processing
	api.GET("/assets/:id", h.Get)             // ledger record
	api.GET("/assets/:id/url", h.URL)         // url to serve
	api.DELETE("/assets/:id/remote", h.Purge) // remove cdn copies

	api.POST("/render", h.Render) // rewrite markup

	return r
}
