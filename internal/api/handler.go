package api

import (
	"net/http"
	"time"

	"stopdaemon/internal/runtime"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SystemMeta describes runtime status exposed to the admin UI.
type SystemMeta struct {
	Venue       string
	Environment string
	TenantID    uuid.UUID
	Version     string
}

// Server wires the admin HTTP surface around a running Daemon, grounded on
// the teacher's internal/api.Server (gin.Engine + ordered middleware stack)
// generalized from the teacher's engine.Service/order.OrderQueue plumbing
// to a single runtime.Daemon.
type Server struct {
	Router *gin.Engine
	Daemon *runtime.Daemon
	Users  *UserStore

	JWTSecret string
	Meta      SystemMeta
}

// NewServer builds the gin router with the teacher's middleware ordering
// (panic recovery first, CORS last before routes) and registers routes.
func NewServer(daemon *runtime.Daemon, users *UserStore, jwtSecret string, meta SystemMeta) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Daemon:    daemon,
		Users:     users,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api/v1")
	{
		api.GET("/system/status", s.getSystemStatus)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/positions", s.armPosition)
			protected.GET("/positions", s.listPositions)
			protected.GET("/positions/:id", s.getPosition)
			protected.POST("/positions/panic", s.panicAll)
			protected.DELETE("/positions/:id/detector", s.cancelDetector)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"venue":       s.Meta.Venue,
		"environment": s.Meta.Environment,
		"tenant_id":   s.Meta.TenantID,
		"version":     s.Meta.Version,
		"server_time": time.Now().UTC(),
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
