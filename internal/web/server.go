package web

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"perp_trading/internal/engine"
)

// Server exposes the monitoring and control API.
type Server struct {
	engine *engine.TradingEngine
	router chi.Router
}

func NewServer(eng *engine.TradingEngine) *Server {
	s := &Server{engine: eng}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/positions", s.handlePositions)
		r.Get("/history", s.handleHistory)
		r.Get("/regime", s.handleRegime)
		r.Get("/strategies", s.handleStrategies)
		r.Post("/engine/action", s.handleEngineAction)
	})

	s.router = r
	return s
}

func (s *Server) Start(port string) error {
	log.Printf("🌐 Web server listening on :%s", port)
	return http.ListenAndServe(":"+port, s.router)
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	current, confidence := currentRegime(s.engine)

	writeJSON(w, http.StatusOK, map[string]any{
		"running":           s.engine.IsRunning(),
		"regime":            current,
		"regime_confidence": confidence,
		"capital":           stats.Capital,
		"daily_pnl":         stats.DailyPnL,
		"total_pnl":         stats.TotalPnL,
		"total_trades":      stats.TotalTrades,
		"win_rate":          stats.WinRate,
		"profit_factor":     stats.ProfitFactor,
		"max_drawdown":      stats.MaxDrawdown,
		"roi":               stats.ROI,
		"open_positions":    stats.OpenPositions,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Positions())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Trades())
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.RegimeStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"current":       stats.Current,
		"confidence":    stats.Confidence,
		"distribution":  stats.Distribution,
		"total_updates": stats.TotalUpdates,
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.StrategyPerformance())
}

type actionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleEngineAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	switch req.Action {
	case "start":
		s.engine.Start()
	case "stop":
		s.engine.Stop()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action: " + req.Action})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": s.engine.IsRunning()})
}

func currentRegime(eng *engine.TradingEngine) (string, float64) {
	stats := eng.RegimeStats()
	return string(stats.Current), stats.Confidence
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
