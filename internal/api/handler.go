package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"atreyu-bridge/internal/events"
	"atreyu-bridge/internal/monitor"
	"atreyu-bridge/internal/order"
	"atreyu-bridge/internal/persistence"
	"atreyu-bridge/internal/reconciliation"
	"atreyu-bridge/pkg/db"
	"atreyu-bridge/pkg/exchanges/atreyu"

	"github.com/gin-gonic/gin"
)

// OrderService is the order gateway surface the API drives.
type OrderService interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Submit(ctx context.Context, o *order.Order) (bool, error)
	Update(ctx context.Context, o *order.Order) (bool, error)
	Cancel(ctx context.Context, o *order.Order) (bool, error)
	OpenOrders(ctx context.Context) ([]*order.Order, error)
	Positions(ctx context.Context) ([]order.Holding, error)
	CashBalances() []order.CashAmount
	History(ctx context.Context, req order.HistoryRequest) ([]order.Bar, error)
	Tracked(brokerID string) (*order.Order, bool)
}

// SessionInfo exposes venue session details for /api/status.
type SessionInfo interface {
	SessionID() string
	Stats() atreyu.GateStats
}

// JournalReader reads back journaled frames.
type JournalReader interface {
	RecentMessages(ctx context.Context, f db.MessageFilter) ([]db.Message, error)
}

// Reconciler runs and reports open-order reconciliation.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}

// Admin holds the single operator credential.
type Admin struct {
	Username     string
	Password     string // hashed with bcrypt at startup when PasswordHash is empty
	PasswordHash string
}

// Deps collects what NewServer wires together. Session, Journal,
// JournalWriter and Reconciler may be nil; a nil Metrics gets a fresh instance.
type Deps struct {
	Orders        OrderService
	Bus           *events.Bus
	Session       SessionInfo
	Journal       JournalReader
	JournalWriter *persistence.BatchWriter
	Metrics       *monitor.SystemMetrics
	Reconciler    Reconciler
	JWTSecret     string
	Admin         Admin
	Meta          SystemMeta
}

// Server wires HTTP endpoints around the order gateway.
type Server struct {
	Router        *gin.Engine
	Orders        OrderService
	Bus           *events.Bus
	Session       SessionInfo
	Journal       JournalReader
	JournalWriter *persistence.BatchWriter
	Metrics       *monitor.SystemMetrics
	Reconciler    Reconciler
	JWTSecret     string
	Meta          SystemMeta

	admin    Admin
	limiter  *ipLimiter
	ordersMu sync.Mutex // pairs each amendment with the replace that sends it
	started  time.Time

	srvMu sync.Mutex
	srv   *http.Server
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Venue   string `json:"venue"`
	Account string `json:"account"`
	Version string `json:"version"`
}

func NewServer(deps Deps) (*Server, error) {
	admin := deps.Admin
	if admin.PasswordHash == "" {
		if admin.Password == "" {
			return nil, errors.New("api: admin password or password hash required")
		}
		hash, err := hashPassword(admin.Password)
		if err != nil {
			return nil, err
		}
		admin.PasswordHash = hash
		admin.Password = ""
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}

	r := gin.New()
	limiter := newIPLimiter(20, 50)

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())               // Request ID tracking
	r.Use(RequestLogger())                     // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(limiter))        // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:        r,
		Orders:        deps.Orders,
		Bus:           deps.Bus,
		Session:       deps.Session,
		Journal:       deps.Journal,
		JournalWriter: deps.JournalWriter,
		Metrics:       metrics,
		Reconciler:    deps.Reconciler,
		JWTSecret:     deps.JWTSecret,
		Meta:          deps.Meta,
		admin:         admin,
		limiter:       limiter,
		started:       time.Now(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.POST("/connect", s.connect)
			protected.POST("/disconnect", s.disconnect)

			protected.GET("/orders", s.listOpenOrders)
			protected.POST("/orders", s.submitOrder)
			protected.PUT("/orders/:id", s.updateOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)

			protected.GET("/positions", s.listPositions)
			protected.GET("/balances", s.listBalances)
			protected.GET("/history", s.getHistory)
			protected.GET("/journal", s.getJournal)
			protected.GET("/reconcile", s.getReconciliation)
			protected.POST("/reconcile", s.runReconciliation)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connected": s.Orders.IsConnected()})
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()
	log.Printf("api: listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.stop()
	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
