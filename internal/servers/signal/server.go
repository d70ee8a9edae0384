// Package signal contains the browser-facing signaling server.
package signal

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kurogw/kurogw/internal/conf"
	"github.com/kurogw/kurogw/internal/kurento"
	"github.com/kurogw/kurogw/internal/logger"
	"github.com/kurogw/kurogw/internal/protocols/httpp"
	"github.com/kurogw/kurogw/internal/room"
	"github.com/kurogw/kurogw/internal/websocket"
)

// Server is the signaling server. It upgrades browser connections to
// WebSocket on /groupcall and /loopback and drives the room layer.
type Server struct {
	Address      string
	Encryption   bool
	ServerCert   string
	ServerKey    string
	AllowOrigin  string
	ReadTimeout  conf.Duration
	WriteTimeout conf.Duration
	KMS          *kurento.Transport
	Rooms        *room.Manager
	Registry     *room.Registry
	Parent       logger.Writer

	httpServer *httpp.Server

	mutex  sync.Mutex
	conns  map[*websocket.ServerConn]struct{}
	closed bool
}

// Initialize initializes the server.
func (s *Server) Initialize() error {
	s.conns = make(map[*websocket.ServerConn]struct{})

	router := gin.New()
	router.Use(s.middlewareOrigin)
	router.GET("/groupcall", s.onGroupCall)
	router.GET("/loopback", s.onLoopback)

	s.httpServer = &httpp.Server{
		Address:      s.Address,
		ReadTimeout:  time.Duration(s.ReadTimeout),
		WriteTimeout: time.Duration(s.WriteTimeout),
		Encryption:   s.Encryption,
		ServerCert:   s.ServerCert,
		ServerKey:    s.ServerKey,
		Handler:      router,
		Parent:       s,
	}
	err := s.httpServer.Initialize()
	if err != nil {
		return err
	}

	s.Log(logger.Info, "listener opened on %s", s.Address)

	return nil
}

// Close closes the server and every open browser connection.
func (s *Server) Close() {
	s.Log(logger.Info, "listener is closing")

	s.mutex.Lock()
	s.closed = true
	conns := make([]*websocket.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	for _, c := range conns {
		c.Close()
	}

	s.httpServer.Close()
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[signal] "+format, args...)
}

func (s *Server) middlewareOrigin(ctx *gin.Context) {
	ctx.Header("Access-Control-Allow-Origin", s.AllowOrigin)
	ctx.Header("Access-Control-Allow-Credentials", "true")

	// preflight requests
	if ctx.Request.Method == http.MethodOptions &&
		ctx.Request.Header.Get("Access-Control-Request-Method") != "" {
		ctx.Header("Access-Control-Allow-Methods", "OPTIONS, GET")
		ctx.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		ctx.AbortWithStatus(http.StatusNoContent)
		return
	}
}

// addConn registers an open browser connection, unless the server is
// closing.
func (s *Server) addConn(c *websocket.ServerConn) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) removeConn(c *websocket.ServerConn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.conns, c)
}

func (s *Server) onGroupCall(ctx *gin.Context) {
	c, err := websocket.NewServerConn(ctx.Writer, ctx.Request)
	if err != nil {
		return
	}
	defer c.Close()

	if !s.addConn(c) {
		return
	}
	defer s.removeConn(c)

	gc := &groupCallConn{
		server: s,
		conn:   c,
	}
	gc.initialize()
	gc.run()
}

func (s *Server) onLoopback(ctx *gin.Context) {
	c, err := websocket.NewServerConn(ctx.Writer, ctx.Request)
	if err != nil {
		return
	}
	defer c.Close()

	if !s.addConn(c) {
		return
	}
	defer s.removeConn(c)

	lc := &loopbackConn{
		server: s,
		conn:   c,
	}
	lc.initialize()
	lc.run()
}
