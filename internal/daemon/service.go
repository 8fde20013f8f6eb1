// Package daemon hosts the link manager behind an HTTP control API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/blelink/internal/bridge"
	"github.com/danmuck/blelink/internal/link"
	"github.com/danmuck/blelink/internal/observability"
	"github.com/danmuck/blelink/internal/protocol/session"
)

var ErrInvalidAddr = errors.New("daemon: listen addr is required")

type CentralConfig struct {
	Enabled        bool
	Adapter        string
	PollInterval   time.Duration
	ScanAllDevices bool
}

type PeripheralConfig struct {
	Enabled       bool
	DeviceID      int
	AdvertiseMode string
}

// ServiceConfig configures the daemon process.
type ServiceConfig struct {
	Name            string
	Addr            string
	CorsOrigins     []string
	Scanner         string
	Session         session.Config
	CacheSize       int
	ScanTimeout     time.Duration
	ShutdownTimeout time.Duration
	Central         CentralConfig
	Peripheral      PeripheralConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:            "blelinkd",
		Addr:            ":7420",
		CorsOrigins:     []string{"http://localhost:3000"},
		Scanner:         "bluez",
		Session:         session.DefaultConfig(),
		CacheSize:       link.DefaultCacheSize,
		ScanTimeout:     link.DefaultScanTimeout,
		ShutdownTimeout: 5 * time.Second,
		Central: CentralConfig{
			Enabled:      true,
			Adapter:      "hci0",
			PollInterval: 500 * time.Millisecond,
		},
		Peripheral: PeripheralConfig{
			Enabled:       true,
			DeviceID:      1,
			AdvertiseMode: "name",
		},
	}
}

// Service owns the manager, the event bus and the HTTP router.
type Service struct {
	cfg     ServiceConfig
	manager *link.Manager
	bus     *bridge.EventBus
	router  *gin.Engine
	started time.Time
}

// New builds a service on top of already opened drivers.
func New(cfg ServiceConfig, drivers Drivers) (*Service, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrInvalidAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultServiceConfig().ShutdownTimeout
	}
	bus := bridge.NewEventBus()
	manager, err := link.NewManager(link.Options{
		Central:     drivers.Central,
		Peripheral:  drivers.Peripheral,
		Scanner:     drivers.Scanner,
		Session:     cfg.Session,
		CacheSize:   cfg.CacheSize,
		ScanTimeout: cfg.ScanTimeout,
		Listener:    bus,
	})
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		manager: manager,
		bus:     bus,
		started: time.Now(),
	}
	s.router = s.newRouter()
	s.registerRoutes()
	return s, nil
}

func (s *Service) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

func (s *Service) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Service) Manager() *link.Manager {
	return s.manager
}

func (s *Service) Bus() *bridge.EventBus {
	return s.bus
}

// Run opens the platform drivers from cfg and serves until SIGINT/SIGTERM.
func Run(cfg ServiceConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drivers, err := OpenDrivers(cfg)
	if err != nil {
		return err
	}
	defer drivers.Close()

	svc, err := New(cfg, drivers)
	if err != nil {
		return err
	}
	return svc.Serve(ctx)
}

// Serve listens on cfg.Addr until ctx is done, then shuts the HTTP server
// down and tears every link down.
func (s *Service) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.router,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.Info().
		Str("name", s.cfg.Name).
		Str("addr", s.cfg.Addr).
		Bool("central", s.cfg.Central.Enabled).
		Bool("peripheral", s.cfg.Peripheral.Enabled).
		Str("scanner", s.cfg.Scanner).
		Msg("blelinkd listening")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("blelinkd shutdown")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("daemon: serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := s.manager.Finish(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("link teardown")
	}
	return runErr
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
