// Package ops serves the operator HTTP surface: health, chain status, metrics, reward
// tier administration and a websocket event feed.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/terminal-bench/chainsettle/internal/auth"
	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/registry"
	"github.com/terminal-bench/chainsettle/internal/reward"
	"github.com/terminal-bench/chainsettle/internal/settlement"
	"github.com/terminal-bench/chainsettle/internal/store"
	"github.com/terminal-bench/chainsettle/pkg/amount"
)

// Chains is the registry view the server reads. *registry.Registry implements it.
type Chains interface {
	Statuses() []registry.ChainStatus
	GetHealthyAdapter() (chain.Adapter, error)
}

// TierPublisher writes reward tiers to ledger tier tables. *settlement.Orchestrator
// implements it.
type TierPublisher interface {
	PublishTier(ctx context.Context, types []chain.Type, t reward.Tier) []settlement.Result
}

type Config struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
}

func (c Config) withDefaults() Config {
	if c.Port == "" {
		c.Port = "8090"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 40
	}
	return c
}

// Deps are the collaborators the server exposes. Store and Metrics are optional.
// Tiers is required for tier updates once any chain is registered.
type Deps struct {
	Chains  Chains
	Engine  *reward.Engine
	Tiers   TierPublisher
	Auth    *auth.Service
	Hub     *Hub
	Store   store.Store
	Metrics http.Handler
}

type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	router *gin.Engine
	srv    *http.Server

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		logger:   logger,
		router:   gin.New(),
		limiters: make(map[string]*rate.Limiter),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery(), s.tracingMiddleware(), s.rateLimitMiddleware())

	s.router.GET("/health", s.health)
	s.router.GET("/chains", s.chains)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.Store != nil {
		s.router.GET("/burns/:chain/:match_id", s.burns)
	}
	if s.deps.Hub != nil {
		s.router.GET("/ws/events", func(c *gin.Context) { s.deps.Hub.Serve(c.Writer, c.Request) })
	}

	admin := s.router.Group("/admin")
	{
		admin.GET("/tiers", s.authMiddleware(auth.PermTiersRead), s.listTiers)
		admin.PUT("/tiers/:id", s.authMiddleware(auth.PermTiersWrite), s.updateTier)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	return s.srv.Shutdown(ctx)
}

// Middleware

func (s *Server) authMiddleware(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Auth == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin api disabled"})
			return
		}
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		claims, err := s.deps.Auth.Authorize(token, perm)
		if errors.Is(err, auth.ErrForbidden) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("operator", claims.Operator)
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) limiter(key string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
		s.limiters[key] = l
	}
	return l
}

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)

		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("correlation_id", correlationID))
	}
}

// Handlers

func (s *Server) health(c *gin.Context) {
	statuses := s.deps.Chains.Statuses()
	counts := map[string]int{}
	for _, st := range statuses {
		counts[st.Health.String()]++
	}
	body := gin.H{"chains": len(statuses), "by_health": counts}

	a, err := s.deps.Chains.GetHealthyAdapter()
	if err != nil {
		body["status"] = "unavailable"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	body["serving_chain"] = a.Type()
	c.JSON(http.StatusOK, body)
}

func (s *Server) chains(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"chains": s.deps.Chains.Statuses()})
}

func (s *Server) burns(c *gin.Context) {
	id := match.ID(c.Param("match_id"))
	if err := id.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	records, err := s.deps.Store.ListBurns(c.Request.Context(), chain.Type(c.Param("chain")), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list burns"})
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"burns": records})
}

type tierView struct {
	ID         reward.TierID `json:"id"`
	Name       string        `json:"name"`
	Multiplier uint64        `json:"multiplier"`
	BaseReward string        `json:"base_reward"`
}

func viewTier(t reward.Tier) tierView {
	return tierView{ID: t.ID, Name: t.Name, Multiplier: t.Multiplier, BaseReward: t.BaseReward.String()}
}

func (s *Server) listTiers(c *gin.Context) {
	tiers := s.deps.Engine.Tiers()
	out := make([]tierView, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, viewTier(t))
	}
	c.JSON(http.StatusOK, gin.H{"scale": s.deps.Engine.Scale(), "tiers": out})
}

type updateTierRequest struct {
	Name       string `json:"name"`
	Multiplier uint64 `json:"multiplier" binding:"required"`
	BaseReward string `json:"base_reward" binding:"required"`
}

type tierTx struct {
	Chain chain.Type `json:"chain"`
	TxID  string     `json:"tx_id,omitempty"`
	Error string     `json:"error,omitempty"`
}

type tierUpdateView struct {
	tierView
	Transactions []tierTx `json:"transactions"`
}

// updateTier writes the tier to every registered ledger before the local table, so
// predicted burn amounts never run ahead of what the ledgers settle. If any ledger
// rejects it the local table is left unchanged.
func (s *Server) updateTier(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tier id"})
		return
	}
	var req updateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	base, err := amount.ParseUnits(req.BaseReward, 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tier := reward.Tier{ID: reward.TierID(id), Name: req.Name, Multiplier: req.Multiplier, BaseReward: base}
	if err := tier.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if tier.Name == "" {
		current, _ := s.deps.Engine.Tier(tier.ID)
		tier.Name = current.Name
	}

	txs := []tierTx{}
	if chains := s.registeredChains(); len(chains) > 0 {
		if s.deps.Tiers == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "ledger tier tables are not writable; refusing a local-only update"})
			return
		}
		failed := false
		for _, r := range s.deps.Tiers.PublishTier(c.Request.Context(), chains, tier) {
			tx := tierTx{Chain: r.Chain, TxID: r.Outcome.TxID}
			if r.Err != nil {
				tx.Error = r.Err.Error()
				failed = true
			}
			txs = append(txs, tx)
		}
		if failed {
			s.logger.Warn("reward tier not published to every chain",
				zap.String("operator", c.GetString("operator")),
				zap.Uint8("tier", uint8(tier.ID)),
				zap.Any("transactions", txs))
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to publish tier to every chain", "transactions": txs})
			return
		}
	}

	if err := s.deps.Engine.UpdateTier(tier); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, _ := s.deps.Engine.Tier(tier.ID)
	s.logger.Info("reward tier updated",
		zap.String("operator", c.GetString("operator")),
		zap.Uint8("tier", uint8(tier.ID)),
		zap.Uint64("multiplier", updated.Multiplier),
		zap.String("base_reward", updated.BaseReward.String()),
		zap.Int("chains", len(txs)))
	c.JSON(http.StatusOK, tierUpdateView{tierView: viewTier(updated), Transactions: txs})
}

func (s *Server) registeredChains() []chain.Type {
	statuses := s.deps.Chains.Statuses()
	out := make([]chain.Type, 0, len(statuses))
	for _, st := range statuses {
		if st.Health != registry.Unregistered {
			out = append(out, st.Chain)
		}
	}
	return out
}
