// Package server exposes the facilitator over HTTP: verify and settle
// endpoints, capability discovery and the bazaar resource catalog.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/discovery"
	"github.com/x402kit/facilitator/mechanisms/evm"
)

const (
	verifyTimeout = 30 * time.Second
	settleTimeout = 60 * time.Second
)

// Server wires the facilitator registry, discovery catalog and chain
// backends into a gin engine.
type Server struct {
	facilitator *x402.Facilitator
	catalog     *discovery.Catalog
	backends    evm.BackendProvider
	logger      *zap.Logger
	engine      *gin.Engine
	started     time.Time
}

// New builds the HTTP surface. The backends provider feeds the /info
// endpoint; it may be nil when no chain access is configured.
func New(facilitator *x402.Facilitator, catalog *discovery.Catalog, backends evm.BackendProvider, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), corsMiddleware(), requestIDMiddleware(), loggingMiddleware(logger))

	s := &Server{
		facilitator: facilitator,
		catalog:     catalog,
		backends:    backends,
		logger:      logger,
		engine:      engine,
		started:     time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("facilitator listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

func (s *Server) routes() {
	s.engine.GET("/healthcheck", s.handleHealthcheck)
	s.engine.GET("/supported", s.handleSupported)
	s.engine.GET("/health", s.handleSupported)
	s.engine.GET("/discovery/resources", s.handleDiscoveryList)
	s.engine.GET("/verify", s.describeVerify)
	s.engine.POST("/verify", s.handleVerify)
	s.engine.GET("/settle", s.describeSettle)
	s.engine.POST("/settle", s.handleSettle)
	s.engine.GET("/info", s.handleInfo)
}

func (s *Server) handleHealthcheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    int64(time.Since(s.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.GetSupported())
}

func (s *Server) handleDiscoveryList(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	items, total := s.catalog.List(limit, offset, c.Query("type"))
	c.JSON(http.StatusOK, discovery.ListResponse{
		X402Version: 2,
		Items:       items,
		Pagination: discovery.Pagination{
			Limit:  limit,
			Offset: offset,
			Total:  total,
		},
	})
}

func (s *Server) describeVerify(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"endpoint":    "/verify",
		"description": "POST paymentPayload and paymentRequirements to verify an x402 payment",
		"body": gin.H{
			"paymentPayload":      "PaymentPayload",
			"paymentRequirements": "PaymentRequirements",
		},
	})
}

func (s *Server) describeSettle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"endpoint":    "/settle",
		"description": "POST paymentPayload and paymentRequirements to settle an x402 payment on chain",
		"body": gin.H{
			"paymentPayload":      "PaymentPayload",
			"paymentRequirements": "PaymentRequirements",
		},
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
	defer cancel()

	resp := s.facilitator.Verify(ctx, req.PaymentPayload, req.PaymentRequirements)
	s.logger.Info("verify",
		zap.String("requestId", c.GetString("requestID")),
		zap.String("scheme", req.PaymentRequirements.Scheme),
		zap.String("network", string(req.PaymentRequirements.Network)),
		zap.Bool("isValid", resp.IsValid),
		zap.String("invalidReason", resp.InvalidReason),
	)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	var req x402.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	s.logger.Info("settle",
		zap.String("requestId", c.GetString("requestID")),
		zap.String("scheme", req.PaymentRequirements.Scheme),
		zap.String("network", string(req.PaymentRequirements.Network)),
	)

	// Once settlement starts the nonce may be consumed, so a client
	// disconnect must not abort the transaction midway.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), settleTimeout)
	defer cancel()

	resp := s.facilitator.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
	s.logger.Info("settle result",
		zap.String("requestId", c.GetString("requestID")),
		zap.Bool("success", resp.Success),
		zap.String("errorReason", resp.ErrorReason),
		zap.String("transaction", resp.Transaction),
	)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleInfo(c *gin.Context) {
	if s.backends == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no chain backends configured"})
		return
	}
	chainID, err := strconv.ParseUint(c.Query("chainId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chainId query parameter required"})
		return
	}

	network := x402.Network(fmt.Sprintf("eip155:%d", chainID))
	backend, err := s.backends.Backend(network)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	relayer := backend.RelayerAddress()
	info := gin.H{
		"chainId":        chainID,
		"network":        network,
		"relayerAddress": relayer.Hex(),
		"uptime":         int64(time.Since(s.started).Seconds()),
	}
	if balance, err := backend.GetBalance(c.Request.Context(), relayer, common.Address{}); err == nil {
		info["relayerBalance"] = balance.String()
	}
	c.JSON(http.StatusOK, info)
}
