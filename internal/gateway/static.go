package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/netmapper/fabric/internal/httpx"
)

// serveStatic serves the built SPA. Unknown paths fall back to index.html
// so client-side routing works; traversal outside the static root is
// refused.
func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		httpx.Fail(w, http.StatusNotFound, "not found")
		return
	}
	if g.cfg.StaticDir == "" {
		httpx.Fail(w, http.StatusNotFound, "not found")
		return
	}

	root, err := filepath.Abs(g.cfg.StaticDir)
	if err != nil {
		httpx.Fail(w, http.StatusNotFound, "not found")
		return
	}

	clean := filepath.Clean("/" + r.URL.Path)
	target := filepath.Join(root, clean)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		g.logger.Warn("path traversal attempt refused", "path", r.URL.Path)
		httpx.Fail(w, http.StatusBadRequest, "invalid path")
		return
	}

	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		http.ServeFile(w, r, target)
		return
	}
	http.ServeFile(w, r, filepath.Join(root, "index.html"))
}
