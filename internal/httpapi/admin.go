package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Auro-rium/aex/internal/catalog"
	"github.com/Auro-rium/aex/internal/httpmiddleware"
	"github.com/Auro-rium/aex/internal/replay"
	"github.com/Auro-rium/aex/internal/runtime"
)

// AdminDeps bundles the collaborators the admin surface needs.
type AdminDeps struct {
	ReplayStore replay.Store
	SpendStore  replay.SpendStore
	StartedAt   time.Time
}

// Admin builds the operator-facing router: health, readiness, metrics, and
// the control plane. Every /admin/* route requires the admin control key.
func Admin(rt *runtime.Runtime, deps AdminDeps) http.Handler {
	r := mux.NewRouter()
	r.Use(httpmiddleware.Recovery(rt.Logger))
	r.Use(httpmiddleware.Logging(rt.Logger))

	r.HandleFunc("/health", handleHealth(deps)).Methods(http.MethodGet)
	r.HandleFunc("/ready", handleReady(rt)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(httpmiddleware.AdminGate(rt.Config.AdminControlKey))
	admin.HandleFunc("/activity", handleActivity(rt)).Methods(http.MethodGet)
	admin.HandleFunc("/replay", handleReplay(deps)).Methods(http.MethodGet)
	admin.HandleFunc("/reload_config", handleReloadConfig(rt)).Methods(http.MethodPost)
	admin.HandleFunc("/control/pause_all", handleControl(rt, runtime.ControlPaused)).Methods(http.MethodPost)
	admin.HandleFunc("/control/sandbox_all", handleControl(rt, runtime.ControlSandboxed)).Methods(http.MethodPost)
	admin.HandleFunc("/control/kill_all", handleControl(rt, runtime.ControlNormal)).Methods(http.MethodPost)

	return r
}

func handleHealth(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status": "healthy",
			"uptime": time.Since(deps.StartedAt).String(),
		}
		if pct, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(pct) > 0 {
			body["cpu_percent"] = pct[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
			body["memory_used_percent"] = vm.UsedPercent
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleReady(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rt.Catalog().Models == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "reason": "model catalog not loaded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "control_state": rt.Control()})
	}
}

func handleActivity(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"control_state": rt.Control(),
			"model_count":   len(rt.Catalog().Models),
		})
	}
}

func handleReplay(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		chainReport, err := replay.VerifyChain(ctx, deps.ReplayStore, "global")
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		mismatches, err := replay.ReconcileSpend(ctx, deps.ReplayStore, "global", deps.SpendStore)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"chain":           chainReport,
			"spend_mismatches": mismatches,
		})
	}
}

func handleReloadConfig(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cat, err := catalog.Load(rt.Config.ConfigDir)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		rt.SetCatalog(cat)
		writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "model_count": len(cat.Models)})
	}
}

func handleControl(rt *runtime.Runtime, state runtime.ControlState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt.SetControl(state)
		if rt.Logger != nil {
			rt.Logger.WithFields(map[string]any{"control_state": state}).Warn("admin control state changed")
		}
		writeJSON(w, http.StatusOK, map[string]any{"control_state": state})
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
