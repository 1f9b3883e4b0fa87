package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/tunapool/internal/address"
	"github.com/bardlex/tunapool/internal/chain"
	"github.com/bardlex/tunapool/internal/database/postgres"
	"github.com/bardlex/tunapool/internal/metrics"
	"github.com/bardlex/tunapool/internal/settlement"
	"github.com/bardlex/tunapool/pkg/errors"
)

func abort(c *gin.Context, status int, format string, args ...any) {
	c.AbortWithStatusJSON(status, messageResponse{Message: fmt.Sprintf(format, args...)})
}

// identify checks the whitelist and derives the miner key hash for addr, writing the error
// response itself when it fails.
func (s *Server) identify(c *gin.Context, addr string) (string, bool) {
	if addr == "" {
		abort(c, http.StatusBadRequest, "address is required")
		return "", false
	}
	if !s.allowed(addr) {
		abort(c, http.StatusForbidden, "address %s is not allowed to mine here", addr)
		return "", false
	}
	pkh, err := address.PKH(addr)
	if err != nil {
		abort(c, http.StatusBadRequest, "Could not create a valid public key hash for address %s", addr)
		return "", false
	}
	return pkh, true
}

func (s *Server) handleWork(c *gin.Context) {
	ctx := c.Request.Context()
	addr := c.Query("address")
	pkh, ok := s.identify(c, addr)
	if !ok {
		return
	}

	requested, hasRequested := 0, false
	if raw := c.Query("sample_diff"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			abort(c, http.StatusBadRequest, "sample_diff must be an integer")
			return
		}
		requested, hasRequested = n, true
	}

	miner, err := s.registerMiner(ctx, pkh, addr, requested)
	if err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "Could not save new miner %s", addr)
		return
	}

	if hasRequested {
		if sd := s.deps.Issuer.SamplingDifficulty(requested); sd != miner.SamplingDifficulty {
			if err := s.deps.Miners.UpdateSamplingDifficulty(ctx, miner.ID, sd); err != nil {
				_ = c.Error(err)
				abort(c, http.StatusInternalServerError, "Failed to update sampling difficulty.")
				return
			}
			miner.SamplingDifficulty = sd
		}
	}

	w, err := s.deps.Issuer.Issue(miner.ID, miner.SamplingDifficulty)
	if err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "Could not generate a nonce.")
		return
	}
	if w.Block.IsZero() {
		abort(c, http.StatusServiceUnavailable, "Could not retrieve current block state.")
		return
	}

	c.JSON(http.StatusOK, workResponse{
		Nonce:        w.NonceHex(),
		MinZeroes:    w.MinZeroes,
		CurrentBlock: w.Block.Readable(),
	})
}

// registerMiner returns the miner registered under pkh, creating it on first contact.
func (s *Server) registerMiner(ctx context.Context, pkh, addr string, requested int) (*postgres.Miner, error) {
	miner, err := s.deps.Miners.GetByPKH(ctx, pkh)
	if err == nil {
		return miner, nil
	}
	if !errors.Is(err, postgres.ErrNotFound) {
		return nil, err
	}

	miner = &postgres.Miner{
		PKH:                pkh,
		Address:            addr,
		SamplingDifficulty: s.deps.Issuer.SamplingDifficulty(requested),
	}
	if err := s.deps.Miners.Create(ctx, miner); err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithMiner(pkh, miner.ID).Info("miner registered", "address", addr)
	return miner, nil
}

func (s *Server) handleSubmit(c *gin.Context) {
	ctx := c.Request.Context()

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid submission: %v", err)
		return
	}
	if len(req.Entries) > s.cfg.MaxEntries {
		abort(c, http.StatusBadRequest, "too many entries: %d, at most %d per submission", len(req.Entries), s.cfg.MaxEntries)
		return
	}

	pkh, ok := s.identify(c, req.Address)
	if !ok {
		return
	}

	if !s.deps.Limiter.AllowN(pkh, len(req.Entries)) {
		metrics.RateLimited.Inc()
		abort(c, http.StatusTooManyRequests, "Too many submissions in the past minute.")
		return
	}

	miner, err := s.deps.Miners.GetByPKH(ctx, pkh)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			abort(c, http.StatusNotFound, "Cannot validate nonce for unseen miner. Please get some /work!")
			return
		}
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "Failed to retrieve miner status.")
		return
	}

	entries := make([]string, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = e.Nonce
	}

	result, err := s.deps.Validator.Validate(ctx, *miner, entries)
	if err != nil {
		_ = c.Error(err)
		if errors.IsType(err, errors.ErrorTypeValidation) {
			abort(c, http.StatusServiceUnavailable, "Could not verify submission: %s", err.Error())
			return
		}
		abort(c, http.StatusInternalServerError, "Unexpected database error.")
		return
	}

	w, err := s.deps.Issuer.Issue(miner.ID, miner.SamplingDifficulty)
	if err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "Could not generate a nonce.")
		return
	}

	if raw, _ := strconv.ParseBool(c.Query("raw")); raw {
		state, err := chain.TargetState(w.Block, w.Nonce[:])
		if err != nil {
			_ = c.Error(err)
			abort(c, http.StatusInternalServerError, "Could not build target state.")
			return
		}
		c.JSON(http.StatusOK, rawSubmitResponse{
			NumAccepted:    result.Accepted,
			Nonce:          w.NonceHex(),
			RawTargetState: hex.EncodeToString(state),
		})
		return
	}

	c.JSON(http.StatusOK, submitResponse{
		NumAccepted:  result.Accepted,
		Nonce:        w.NonceHex(),
		WorkingBlock: w.Block.Readable(),
	})
}

func (s *Server) handleHashrate(c *gin.Context) {
	start, err := time.Parse(time.RFC3339, c.Query("start_time"))
	if err != nil {
		abort(c, http.StatusBadRequest, "start_time must be an RFC 3339 timestamp")
		return
	}
	end, err := time.Parse(time.RFC3339, c.Query("end_time"))
	if err != nil {
		abort(c, http.StatusBadRequest, "end_time must be an RFC 3339 timestamp")
		return
	}
	if !end.After(start) {
		abort(c, http.StatusBadRequest, "end_time must be after start_time")
		return
	}

	var minerID *int64
	key := fmt.Sprintf("pool:%d:%d", start.Unix(), end.Unix())
	if raw := c.Query("miner_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			abort(c, http.StatusBadRequest, "miner_id must be an integer")
			return
		}
		minerID = &id
		key = fmt.Sprintf("miner:%d:%d:%d", id, start.Unix(), end.Unix())
	}

	hashrate, err := s.deps.Hashrates.CachedHashrate(c.Request.Context(), key, s.cfg.HashrateTTL,
		func(ctx context.Context) (float64, error) {
			return s.estimateHashrate(ctx, minerID, start, end)
		})
	if err != nil {
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "Failed to fetch proofs of work.")
		return
	}
	c.JSON(http.StatusOK, hashrateResponse{EstimatedHashRate: hashrate})
}

func (s *Server) estimateHashrate(ctx context.Context, minerID *int64, start, end time.Time) (float64, error) {
	var (
		counts []postgres.MinerShareCount
		err    error
	)
	if minerID != nil {
		counts, err = s.deps.Shares.CountForMiner(ctx, *minerID, start, end)
	} else {
		counts, err = s.deps.Shares.CountByMiner(ctx, start, end)
	}
	if err != nil {
		return 0, err
	}

	var total float64
	for _, cnt := range counts {
		total += settlement.EstimateHashrate(cnt.Count, cnt.SamplingDifficulty, end.Sub(start))
	}
	return total, nil
}

func (s *Server) handleMiner(c *gin.Context) {
	ctx := c.Request.Context()
	addr := c.Query("address")
	pkh, ok := s.identify(c, addr)
	if !ok {
		return
	}

	miner, err := s.deps.Miners.GetByPKH(ctx, pkh)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			abort(c, http.StatusNotFound, "miner %s is not registered", addr)
			return
		}
		_ = c.Error(err)
		abort(c, http.StatusInternalServerError, "Failed to retrieve miner status.")
		return
	}

	resp := minerResponse{
		MinerID:            miner.ID,
		PKH:                miner.PKH,
		Address:            miner.Address,
		SamplingDifficulty: miner.SamplingDifficulty,
	}
	if s.deps.Counters != nil {
		if n, err := s.deps.Counters.MinerShares(ctx, miner.ID, s.now()); err == nil {
			resp.SharesThisHour = &n
		} else {
			_ = c.Error(err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Checks:      make(map[string]string, len(s.deps.Checks)),
		BlockNumber: s.deps.Blocks.Latest().BlockNumber,
	}
	status := http.StatusOK
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	if s.deps.Mirror != nil {
		if b, err := s.deps.Mirror.LatestBlock(ctx); err == nil {
			resp.MirrorBlock = &b.BlockNumber
		}
	}
	c.JSON(status, resp)
}
