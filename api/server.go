// Package api exposes the engine over HTTP: order entry and inspection,
// market data subscriptions, session and venue status, Prometheus metrics
// and the websocket event feed.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/internal/config"
	"github.com/quantfabric/fixcore/internal/engine"
	"github.com/quantfabric/fixcore/internal/feed"
	"github.com/quantfabric/fixcore/internal/marketdata"
	"github.com/quantfabric/fixcore/internal/orders"
	"github.com/quantfabric/fixcore/internal/routing"
	"github.com/quantfabric/fixcore/internal/session"
	"github.com/quantfabric/fixcore/pkg/models"
)

// Server is the HTTP front of one engine instance.
type Server struct {
	cfg      config.ServerConfig
	log      *zap.Logger
	engine   *engine.Engine
	feed     *feed.Hub
	validate *validator.Validate
	router   *gin.Engine
	srv      *http.Server
}

// NewServer builds the HTTP server around a constructed engine. The hub is
// the same one wired into the engine; the server only mounts the websocket
// endpoint in front of it.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, hub *feed.Hub, log *zap.Logger) *Server {
	switch cfg.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		cfg:      cfg,
		log:      log,
		engine:   eng,
		feed:     hub,
		validate: validator.New(),
		router:   router,
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.registerRoutes()
	return s
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.Info("api server listening", zap.String("addr", s.cfg.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Router returns the internal gin engine for testing purposes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/ready", s.ready)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWS)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/sessions", s.listSessions)
		v1.GET("/venues", s.listVenues)

		ord := v1.Group("/orders")
		{
			ord.POST("", s.placeOrder)
			ord.GET("", s.listOrders)
			ord.GET("/:id", s.getOrder)
			ord.DELETE("/:id", s.cancelOrder)
			ord.POST("/:id/replace", s.replaceOrder)
		}

		md := v1.Group("/marketdata")
		{
			md.GET("/subscriptions", s.listSubscriptions)
			md.POST("/subscriptions", s.subscribeMarketData)
			md.DELETE("/subscriptions/:symbol", s.unsubscribeMarketData)
			md.GET("/book/:symbol", s.getBook)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Health())
}

func (s *Server) ready(c *gin.Context) {
	if !s.engine.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleWS(c *gin.Context) {
	s.feed.ServeWS(c.Writer, c.Request)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.engine.Sessions()})
}

func (s *Server) listVenues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"venues": s.engine.Router().Status()})
}

func (s *Server) placeOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.engine.SubmitOrder(req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

func (s *Server) listOrders(c *gin.Context) {
	var list []*models.Order
	if c.Query("open") == "true" {
		list = s.engine.Orders().Open()
	} else {
		list = s.engine.Orders().List()
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

func (s *Server) getOrder(c *gin.Context) {
	id := c.Param("id")
	order, err := s.engine.Orders().Get(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	execs, err := s.engine.Orders().Executions(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "executions": execs})
}

func (s *Server) cancelOrder(c *gin.Context) {
	order, err := s.engine.CancelOrder(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order": order})
}

func (s *Server) replaceOrder(c *gin.Context) {
	var req models.ReplaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.engine.ReplaceOrder(c.Param("id"), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order": order})
}

// subscribeBody is the request shape for market data subscriptions. Type uses
// the wire values: "0" for a one-shot snapshot, "1" for snapshot plus updates.
type subscribeBody struct {
	Symbol string `json:"symbol" validate:"required,min=1,max=12"`
	Venue  string `json:"venue" validate:"omitempty,max=32"`
	Type   string `json:"type" validate:"omitempty,oneof=0 1"`
}

type subscriptionView struct {
	Symbol    string    `json:"symbol"`
	Type      string    `json:"type"`
	ReqID     string    `json:"req_id"`
	Venue     string    `json:"venue"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(sub marketdata.Subscription) subscriptionView {
	return subscriptionView{
		Symbol:    sub.Symbol,
		Type:      sub.Type,
		ReqID:     sub.ReqID,
		Venue:     sub.Venue,
		CreatedAt: sub.CreatedAt,
	}
}

func (s *Server) listSubscriptions(c *gin.Context) {
	subs := s.engine.MarketData().Subscriptions()
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, viewOf(sub))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": views})
}

func (s *Server) subscribeMarketData(c *gin.Context) {
	var req subscribeBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := s.engine.SubscribeMarketData(req.Symbol, req.Venue, req.Type)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": viewOf(*sub)})
}

func (s *Server) unsubscribeMarketData(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := s.engine.UnsubscribeMarketData(symbol); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "status": "unsubscribed"})
}

func (s *Server) getBook(c *gin.Context) {
	depth, err := strconv.Atoi(c.DefaultQuery("depth", "10"))
	if err != nil || depth <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a positive integer"})
		return
	}
	book, err := s.engine.MarketData().Depth(c.Param("symbol"), depth)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// writeError maps engine errors onto HTTP statuses. Server faults are logged;
// client and availability faults only surface in the response.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("handler error", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrUnknownOrder),
		errors.Is(err, marketdata.ErrNotSubscribed):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrInvalidRequest),
		errors.Is(err, marketdata.ErrInvalidRequest),
		errors.Is(err, engine.ErrUnknownVenue):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrTerminalStatus),
		errors.Is(err, orders.ErrChangePending),
		errors.Is(err, orders.ErrReplaceBelowFilledQuantity),
		errors.Is(err, marketdata.ErrAlreadySubscribed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrNotAccepting),
		errors.Is(err, engine.ErrStaleMarketData),
		errors.Is(err, routing.ErrNoVenueAvailable),
		errors.Is(err, session.ErrNotActive):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
