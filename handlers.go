package fieldsync

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/engine"
	"github.com/outreach-health/fieldsync/internal"
	"github.com/outreach-health/fieldsync/metrics"
	"github.com/outreach-health/fieldsync/pubsub"
	"github.com/outreach-health/fieldsync/queue"
)

// SyncHandler is the HTTP surface over the engine. Every endpoint speaks
// JSON; errors carry the classified status mapping from internal.ToHandlerError.
type SyncHandler struct {
	Manager   *engine.Manager
	Conflicts engine.ConflictLog
	Devices   engine.DeviceRegistry
	Queue     *queue.Queue
	Reporter  *metrics.Reporter
	Network   engine.NetworkSource
	Resolver  *conflict.Resolver
	Notifier  pubsub.Notifier

	hub *eventHub
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.Warn().Err(err).Msg("failed to write response body")
		}
	}
}

func respondErr(w http.ResponseWriter, err error) {
	he := internal.ToHandlerError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.StatusCode)
	w.Write(he.JSON())
}

func decode(r *http.Request, into interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return internal.Validationf("malformed request body: %s", err)
	}
	return nil
}

func (h *SyncHandler) startSession(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	s, err := h.Manager.StartSession(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, 201, s)
}

func (h *SyncHandler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.GetStatus(mux.Vars(r)["sessionID"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, 200, s)
}

func (h *SyncHandler) cancelSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.CancelSession(mux.Vars(r)["sessionID"]); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, 202, map[string]string{"status": "cancelling"})
}

func (h *SyncHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	respond(w, 200, map[string]interface{}{"sessions": h.Manager.ActiveSessions()})
}

func (h *SyncHandler) triggerEmergency(w http.ResponseWriter, r *http.Request) {
	var req engine.EmergencyRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	s, err := h.Manager.TriggerEmergency(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, 201, s)
}

func (h *SyncHandler) listConflicts(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	status := conflict.Status(r.URL.Query().Get("status"))
	switch status {
	case "", conflict.StatusPending, conflict.StatusResolved, conflict.StatusEscalated:
	default:
		respondErr(w, internal.Validationf("unknown conflict status %q", status))
		return
	}
	conflicts, err := h.Conflicts.Select(r.Context(), deviceID, status)
	if err != nil {
		respondErr(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []conflict.Conflict{}
	}
	respond(w, 200, map[string]interface{}{"conflicts": conflicts})
}

func (h *SyncHandler) getConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.Conflicts.Get(r.Context(), mux.Vars(r)["conflictID"])
	if err != nil {
		respondErr(w, err)
		return
	}
	if c == nil {
		respondErr(w, internal.NotFoundf("conflict %s not found", mux.Vars(r)["conflictID"]))
		return
	}
	respond(w, 200, c)
}

type resolveRequest struct {
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data"`
}

// resolveConflict applies a manual (clinician) resolution to an escalated or
// pending conflict.
func (h *SyncHandler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conflictID"]
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	c, err := h.Conflicts.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if c == nil {
		respondErr(w, internal.NotFoundf("conflict %s not found", id))
		return
	}
	if err := h.Resolver.ResolveManually(c, req.Data, req.UserID); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.Conflicts.Update(r.Context(), c); err != nil {
		respondErr(w, err)
		return
	}
	if h.Reporter != nil {
		h.Reporter.RecordConflict(string(c.Type), string(c.Status))
	}
	h.notify(&pubsub.ConflictResolved{
		ConflictID: c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Strategy:   string(c.Strategy),
		Status:     string(c.Status),
		ResolvedBy: c.ResolvedBy,
		Timestamp:  time.Now(),
	})
	respond(w, 200, c)
}

func (h *SyncHandler) getDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deviceID"]
	reg, err := h.Devices.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if reg == nil {
		respondErr(w, internal.NotFoundf("device %s is not registered", id))
		return
	}
	respond(w, 200, reg)
}

func (h *SyncHandler) putDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deviceID"]
	var reg internal.DeviceRegistration
	if err := decode(r, &reg); err != nil {
		respondErr(w, err)
		return
	}
	if reg.DeviceID == "" {
		reg.DeviceID = id
	}
	if reg.DeviceID != id {
		respondErr(w, internal.Validationf("device_id in body does not match URL"))
		return
	}
	if reg.Limits == (internal.DeviceLimits{}) {
		reg.Limits = internal.DefaultLimits()
	}
	if err := h.Devices.Upsert(r.Context(), &reg); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, 200, reg)
}

func (h *SyncHandler) enqueueItem(w http.ResponseWriter, r *http.Request) {
	var item queue.Item
	if err := decode(r, &item); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.Queue.Enqueue(r.Context(), &item); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, 201, item)
}

func (h *SyncHandler) listQueue(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondErr(w, internal.Validationf("device_id query parameter is required"))
		return
	}
	items, err := h.Queue.Store().SelectByDevice(r.Context(), deviceID, queue.Status(r.URL.Query().Get("status")))
	if err != nil {
		respondErr(w, err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	backlog, err := h.Queue.Backlog(r.Context(), deviceID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, 200, map[string]interface{}{"items": items, "backlog": backlog})
}

func (h *SyncHandler) getMetrics(w http.ResponseWriter, r *http.Request) {
	var period time.Duration
	if p := r.URL.Query().Get("period"); p != "" {
		var err error
		period, err = time.ParseDuration(p)
		if err != nil {
			respondErr(w, internal.Validationf("bad period %q: %s", p, err))
			return
		}
	}
	respond(w, 200, h.Reporter.Snapshot(period))
}

func (h *SyncHandler) getNetwork(w http.ResponseWriter, r *http.Request) {
	respond(w, 200, h.Network.Status())
}

func (h *SyncHandler) getHealth(w http.ResponseWriter, r *http.Request) {
	health := h.Reporter.Health()
	status := 200
	if health == metrics.HealthDown {
		status = 503
	}
	respond(w, status, map[string]interface{}{
		"health":          health,
		"network":         h.Network.Status(),
		"active_sessions": len(h.Manager.ActiveSessions()),
	})
}

func (h *SyncHandler) notify(p pubsub.Payload) {
	if h.Notifier == nil {
		return
	}
	if err := h.Notifier.Notify(pubsub.ChanSync, p); err != nil {
		logger.Warn().Err(err).Str("payload", p.Type()).Msg("failed to publish event")
	}
}
