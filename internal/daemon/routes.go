package daemon

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/bridge"
	"github.com/danmuck/blelink/internal/link"
)

const version = "0.1.0"

type scanRequest struct {
	FilterBleID string `json:"filter_ble_id"`
	StopIfFound bool   `json:"stop_if_found"`
	Timeout     string `json:"timeout"`
}

type connectRequest struct {
	PeerID string `json:"peer_id"`
}

type advertiseRequest struct {
	BleID string `json:"ble_id"`
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Service) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ble := r.Group("/ble")
	ble.GET("/id", s.handleBleID)
	ble.POST("/scan", s.handleScan)
	ble.POST("/scan/stop", s.handleStopScan)
	ble.GET("/peers", s.handlePeers)
	ble.POST("/connect", s.handleConnect)
	ble.POST("/disconnect", s.handleDisconnect)
	ble.POST("/advertise", s.handleAdvertise)
	ble.POST("/advertise/stop", s.handleStopAdvertise)
	ble.POST("/messages", s.handleSend)
	ble.POST("/finish", s.handleFinish)
	ble.GET("/status", s.handleStatus)
	ble.GET("/events", gin.WrapF(bridge.StreamHandler(s.bus)))
}

func (s *Service) handleBleID(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ble_id": s.manager.GenerateBleID()})
}

func (s *Service) handleScan(c *gin.Context) {
	var req scanRequest
	if err := bindJSON(c, &req); err != nil {
		abortWithError(c, err)
		return
	}
	scan := link.ScanRequest{
		FilterBleID: strings.TrimSpace(req.FilterBleID),
		StopIfFound: req.StopIfFound,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			abortWithError(c, fmt.Errorf("%w: timeout %q", ErrBadRequest, req.Timeout))
			return
		}
		scan.Timeout = d
	}
	peerID, err := s.manager.Scan(c.Request.Context(), scan)
	if err != nil {
		log.Warn().Err(err).Str("filter", scan.FilterBleID).Msg("scan failed")
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer_id": peerID})
}

func (s *Service) handleStopScan(c *gin.Context) {
	s.manager.StopScan()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) handlePeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": s.manager.Peers()})
}

func (s *Service) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := bindJSON(c, &req); err != nil {
		abortWithError(c, err)
		return
	}
	peerID := strings.TrimSpace(req.PeerID)
	if peerID == "" {
		abortWithError(c, fmt.Errorf("%w: peer_id is required", ErrBadRequest))
		return
	}
	if err := s.manager.Connect(c.Request.Context(), peerID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected", "peer_id": peerID})
}

func (s *Service) handleDisconnect(c *gin.Context) {
	if err := s.manager.Disconnect(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (s *Service) handleAdvertise(c *gin.Context) {
	var req advertiseRequest
	if err := bindJSON(c, &req); err != nil {
		abortWithError(c, err)
		return
	}
	bleID := strings.TrimSpace(req.BleID)
	if err := s.manager.Advertise(c.Request.Context(), bleID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "advertising", "ble_id": bleID})
}

func (s *Service) handleStopAdvertise(c *gin.Context) {
	if err := s.manager.StopAdvertising(); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) handleSend(c *gin.Context) {
	var req messageRequest
	if err := bindJSON(c, &req); err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.manager.Send(c.Request.Context(), req.Message); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (s *Service) handleFinish(c *gin.Context) {
	if err := s.manager.Finish(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "finished"})
}

func (s *Service) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      s.manager.Status(),
		"subscribers": s.bus.Subscribers(),
	})
}

func bindJSON(c *gin.Context, out any) error {
	if err := c.ShouldBindJSON(out); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}
