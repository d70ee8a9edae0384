package httpp

import (
	"net/http"

	"github.com/kurogw/kurogw/internal/logger"
)

// log requests.
type handlerLogger struct {
	h   http.Handler
	log logger.Writer
}

func (h *handlerLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.log.Log(logger.Debug, "[conn %v] %s %s", r.RemoteAddr, r.Method, r.URL.Path)
	h.h.ServeHTTP(w, r)
}
