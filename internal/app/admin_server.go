package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gusrbs-0404/CoinDoctor/internal/monitor"
	"github.com/gusrbs-0404/CoinDoctor/internal/position"
	"github.com/gusrbs-0404/CoinDoctor/internal/risk"
)

type adminDeps struct {
	scanner *Scanner
	guard   *risk.Guard
	book    *position.Book
	monitor *monitor.Service
}

// startAdminServer 暴露只读状态与手动控制接口。
// 手动复位失败时必须返回错误状态码，不得表现为成功。
func startAdminServer(ctx context.Context, deps adminDeps, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/risk/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snapshot, err := deps.guard.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, snapshot, logger)
	})

	mux.HandleFunc("/risk/settings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		settings := deps.guard.Settings()
		writeJSON(w, map[string]interface{}{
			"max_consecutive_losses":        settings.MaxConsecutiveLosses,
			"circuit_breaker_threshold_pct": settings.CircuitBreakerThresholdPct,
			"cooldown_duration_seconds":     settings.CooldownDuration.Seconds(),
			"max_daily_loss_amount":         settings.MaxDailyLossAmount,
			"max_trade_amount":              settings.MaxTradeAmount,
		}, logger)
	})

	mux.HandleFunc("/risk/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		events, err := deps.guard.RecentEvents(r.Context(), queryLimit(r, 100))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events, logger)
	})

	mux.HandleFunc("/risk/circuit-breaker/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.guard.ResetCircuitBreaker(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"}, logger)
	})

	mux.HandleFunc("/risk/cooldown/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.guard.ResetCooldown(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"}, logger)
	})

	mux.HandleFunc("/trading/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.scanner.Start()
		writeJSON(w, map[string]bool{"enabled": true}, logger)
	})

	mux.HandleFunc("/trading/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.scanner.Stop()
		writeJSON(w, map[string]bool{"enabled": false}, logger)
	})

	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		trades, err := deps.guard.RecentTrades(r.Context(), queryLimit(r, 100))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, trades, logger)
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		positions, err := deps.book.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, positions, logger)
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(r.URL.Query().Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}
		events, err := deps.monitor.ListEvents(r.Context(), eventType, queryLimit(r, 200))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events, logger)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}

func queryLimit(r *http.Request, fallback int) int {
	limit := fallback
	if qs := r.URL.Query().Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, payload interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入监控响应失败", zap.Error(err))
	}
}
