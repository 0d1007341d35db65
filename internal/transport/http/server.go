// Package httpapi exposes the operational HTTP surface: health, exposure and
// metrics reads plus the signal ingestion endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"fxcore/internal/executor"
	"fxcore/internal/exposure"
	"fxcore/internal/logger"
	"fxcore/internal/market"
	"fxcore/internal/metrics"
)

// SignalHandler runs one signal through the pipeline.
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig market.Signal) (*executor.Result, error)
}

// ExecutionReader serves recent journal rows.
type ExecutionReader interface {
	Recent(ctx context.Context, limit int) ([]executor.Record, error)
}

// signalSchema validates the POST /signals payload before it reaches the
// pipeline.
const signalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["instrument", "direction", "timestamp"],
  "properties": {
    "instrument": {"type": "string", "pattern": "^[A-Z]{3}_[A-Z]{3}$"},
    "direction": {"type": "string", "enum": ["long", "short", "flat"]},
    "strength": {"type": "number", "minimum": 0, "maximum": 1},
    "timestamp": {"type": "string"},
    "strategy": {"type": "string", "maxLength": 64}
  },
  "additionalProperties": false
}`

// ServerConfig describes the HTTP server dependencies.
type ServerConfig struct {
	Addr       string
	Handler    SignalHandler
	Snapshot   func() exposure.Snapshot
	Executions ExecutionReader
	Registry   *metrics.Registry
}

// Server is the gin HTTP server for the execution core.
type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Handler == nil || cfg.Snapshot == nil {
		return nil, errors.New("http server requires a signal handler and a snapshot source")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}
	if cfg.Registry == nil {
		cfg.Registry = metrics.Default
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("signal.json", strings.NewReader(signalSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("signal.json")
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/positions", positionsHandler(cfg.Snapshot))
	router.GET("/exposure", exposureHandler(cfg.Snapshot))
	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Registry.Snapshot())
	})
	if cfg.Executions != nil {
		router.GET("/executions", executionsHandler(cfg.Executions))
	}
	router.POST("/signals", signalsHandler(cfg.Handler, schema))

	return &Server{addr: cfg.Addr, router: router}, nil
}

func (s *Server) Addr() string { return s.addr }

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type signalRequest struct {
	Instrument string  `json:"instrument"`
	Direction  string  `json:"direction"`
	Strength   float64 `json:"strength"`
	Timestamp  string  `json:"timestamp"`
	Strategy   string  `json:"strategy"`
}

func signalsHandler(handler SignalHandler, schema *jsonschema.Schema) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reading body failed"})
			return
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		if err := schema.Validate(generic); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		var req signalRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		dir, ok := market.ParseDirection(req.Direction)
		if !ok {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown direction " + req.Direction})
			return
		}
		ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "timestamp must be RFC3339"})
			return
		}

		sig := market.Signal{
			Instrument: req.Instrument,
			Direction:  dir,
			Strength:   req.Strength,
			Timestamp:  ts,
			Strategy:   req.Strategy,
		}
		res, err := handler.HandleSignal(c.Request.Context(), sig)
		if err != nil {
			if errors.Is(err, executor.ErrInFlight) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resultBody(res))
	}
}

func resultBody(res *executor.Result) gin.H {
	body := gin.H{
		"accepted":   res.Accepted,
		"instrument": res.Instrument,
		"trace":      res.Trace,
	}
	if res.Accepted {
		body["order_id"] = res.OrderID
		body["fill_price"] = res.FillPrice
		body["units"] = res.Units
		if res.RealizedPnL != 0 {
			body["realized_pnl"] = res.RealizedPnL
		}
	} else {
		body["rejection_reason"] = res.RejectionReason
	}
	return body
}

func positionsHandler(snapshot func() exposure.Snapshot) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := snapshot()
		positions := make([]gin.H, 0, len(snap.Positions))
		for _, p := range snap.Positions {
			positions = append(positions, gin.H{
				"instrument":     p.Instrument,
				"units":          p.Units,
				"avg_price":      p.AvgPrice,
				"stop_loss":      p.StopLoss,
				"take_profit":    p.TakeProfit,
				"opened_at":      p.OpenedAt,
				"unrealized_pnl": p.UnrealizedPnL,
			})
		}
		c.JSON(http.StatusOK, gin.H{"positions": positions, "taken_at": snap.TakenAt})
	}
}

func exposureHandler(snapshot func() exposure.Snapshot) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := snapshot()
		c.JSON(http.StatusOK, gin.H{
			"open_count":          snap.OpenCount,
			"instrument_notional": snap.InstrumentNotional,
			"portfolio_notional":  snap.PortfolioNotional,
			"equity":              snap.Equity,
			"peak_equity":         snap.PeakEquity,
			"drawdown":            snap.Drawdown,
			"taken_at":            snap.TakenAt,
		})
	}
}

func executionsHandler(reader ExecutionReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		records, err := reader.Recent(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"executions": records})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
