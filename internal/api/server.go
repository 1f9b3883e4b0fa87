// Package api serves the miner-facing HTTP endpoints: work issuance, proof submission,
// hashrate estimates and service health.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/tunapool/internal/chain"
	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/metrics"
	"github.com/bardlex/tunapool/internal/validation"
	"github.com/bardlex/tunapool/internal/work"
	"github.com/bardlex/tunapool/pkg/log"
)

// BlockSource returns the cached puzzle head.
type BlockSource interface {
	Latest() chain.Block
}

// MinerStore registers miners and reads them back by key hash.
type MinerStore interface {
	GetByPKH(ctx context.Context, pkh string) (*postgres.Miner, error)
	Create(ctx context.Context, miner *postgres.Miner) error
	UpdateSamplingDifficulty(ctx context.Context, minerID int64, difficulty int) error
}

// WorkIssuer hands out nonces and clamps sampling difficulties.
type WorkIssuer interface {
	SamplingDifficulty(requested int) int
	Issue(minerID int64, samplingDifficulty int) (work.Work, error)
}

// ProofValidator checks submitted nonces.
type ProofValidator interface {
	Validate(ctx context.Context, miner postgres.Miner, entries []string) (*validation.Result, error)
}

// RateLimiter bounds how many nonces one miner may submit.
type RateLimiter interface {
	AllowN(key string, n int) bool
}

// ShareCounter aggregates shares for hashrate estimates.
type ShareCounter interface {
	CountByMiner(ctx context.Context, start, end time.Time) ([]postgres.MinerShareCount, error)
	CountForMiner(ctx context.Context, minerID int64, start, end time.Time) ([]postgres.MinerShareCount, error)
}

// HashrateCache memoizes hashrate estimates.
type HashrateCache interface {
	CachedHashrate(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (float64, error)) (float64, error)
}

// MinerCounters reads per-miner share counters.
type MinerCounters interface {
	MinerShares(ctx context.Context, minerID int64, at time.Time) (int64, error)
}

// BlockMirror reads the head block other instances have published.
type BlockMirror interface {
	LatestBlock(ctx context.Context) (*chain.ReadableBlock, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds API limits.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxEntries caps the nonces accepted in one /submit body.
	MaxEntries int
	// Whitelist, when non-empty, restricts the API to these addresses.
	Whitelist []string
	// HashrateTTL is how long /hashrate answers are cached.
	HashrateTTL time.Duration
}

// Deps are the collaborators the handlers use. Counters, Mirror and Checks are optional.
type Deps struct {
	Blocks    BlockSource
	Miners    MinerStore
	Issuer    WorkIssuer
	Validator ProofValidator
	Limiter   RateLimiter
	Shares    ShareCounter
	Hashrates HashrateCache
	Counters  MinerCounters
	Mirror    BlockMirror
	Checks    map[string]HealthCheck
}

// Server is the pool HTTP API.
type Server struct {
	cfg       Config
	deps      Deps
	whitelist map[string]struct{}
	logger    *log.Logger
	engine    *gin.Engine
	http      *http.Server
	now       func() time.Time
}

// NewServer builds the router.
func NewServer(cfg Config, deps Deps, logger *log.Logger) *Server {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 500
	}
	if cfg.HashrateTTL <= 0 {
		cfg.HashrateTTL = 30 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.WithComponent("api"),
		now:    time.Now,
	}
	if len(cfg.Whitelist) > 0 {
		s.whitelist = make(map[string]struct{}, len(cfg.Whitelist))
		for _, addr := range cfg.Whitelist {
			s.whitelist[addr] = struct{}{}
		}
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), requestLogger(s.logger))

	engine.GET("/work", s.handleWork)
	engine.POST("/submit", s.handleSubmit)
	engine.GET("/hashrate", s.handleHashrate)
	engine.GET("/miner", s.handleMiner)
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.engine = engine
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("api listening", "address", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) allowed(address string) bool {
	if s.whitelist == nil {
		return true
	}
	_, ok := s.whitelist[address]
	return ok
}
