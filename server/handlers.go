package server

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kisan-sahayak/syncd/conflict"
	"github.com/kisan-sahayak/syncd/status"
	"github.com/kisan-sahayak/syncd/syncqueue"
)

func userID(c echo.Context) (string, error) {
	uid := strings.TrimSpace(c.Request().Header.Get("X-User-Id"))
	if uid == "" {
		return "", &echo.HTTPError{
			Code:    400,
			Message: "missing X-User-Id header",
		}
	}
	return uid, nil
}

func conflictID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, &echo.HTTPError{
			Code:    400,
			Message: "invalid conflict id",
		}
	}
	return uint(id), nil
}

type enqueueRequest struct {
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Operation       string          `json:"operationType"`
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion int64           `json:"expectedVersion"`
	ClientTimestamp *time.Time      `json:"clientTimestamp"`
}

func (srv *Server) handleEnqueue(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.EntityType == "" {
		return &echo.HTTPError{Code: 400, Message: "entityType is required"}
	}

	op := syncqueue.Operation(req.Operation)
	switch op {
	case syncqueue.OpCreate, syncqueue.OpUpdate, syncqueue.OpDelete:
	default:
		return &echo.HTTPError{Code: 400, Message: "operationType must be CREATE, UPDATE or DELETE"}
	}

	params := syncqueue.EnqueueParams{
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Operation:       op,
		Payload:         string(req.Payload),
		ExpectedVersion: req.ExpectedVersion,
	}
	if req.ClientTimestamp != nil {
		params.ClientTimestamp = *req.ClientTimestamp
	}

	item, err := srv.store.Enqueue(c.Request().Context(), uid, params)
	if err != nil {
		return err
	}

	if err := srv.tracker.Reconcile(c.Request().Context(), uid); err != nil {
		return err
	}

	return c.JSON(201, item)
}

func (srv *Server) handleListPending(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	items, err := srv.store.ListPending(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*syncqueue.Item{}
	}
	return c.JSON(200, items)
}

func (srv *Server) handlePurgeCompleted(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	n, err := srv.store.PurgeCompleted(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]any{"purged": n})
}

func (srv *Server) handleCancelPending(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	n, err := srv.syncer.CancelPending(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]any{"cancelled": n})
}

type statusResponse struct {
	*status.UserStatus
	Message                string `json:"message"`
	OfflineDurationSeconds *int64 `json:"offlineDurationSeconds,omitempty"`
}

func (srv *Server) handleGetStatus(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	st, err := srv.tracker.GetOrCreate(c.Request().Context(), uid)
	if err != nil {
		return err
	}

	processed, total := 0, 0
	if prog, ok := srv.syncer.ActiveProgress(uid); ok {
		processed, total = prog.ProcessedItems, prog.TotalItems
	}

	resp := statusResponse{
		UserStatus: st,
		Message:    status.Message(st, processed, total),
	}
	if st.State == status.StateOffline && st.OfflineSince != nil {
		secs := int64(time.Since(*st.OfflineSince).Seconds())
		resp.OfflineDurationSeconds = &secs
	}
	return c.JSON(200, resp)
}

type deviceInfoRequest struct {
	DeviceID   string `json:"deviceId"`
	AppVersion string `json:"appVersion"`
}

func (srv *Server) handleUpdateDeviceInfo(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	var req deviceInfoRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	if err := srv.tracker.UpdateDeviceInfo(c.Request().Context(), uid, req.DeviceID, req.AppVersion); err != nil {
		return err
	}
	return c.NoContent(204)
}

func (srv *Server) handleEnterOffline(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	st, err := srv.tracker.EnterOffline(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(200, st)
}

// handleExitOffline signals connectivity restoration. When queued changes are
// waiting, this is what kicks off a sync run.
func (srv *Server) handleExitOffline(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	st, err := srv.tracker.ExitOffline(c.Request().Context(), uid)
	if err != nil {
		return err
	}

	if st.State == status.StatePendingSync {
		srv.syncer.Trigger(uid)
	}
	return c.JSON(200, st)
}

func (srv *Server) handleSyncNow(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	prog, err := srv.syncer.Sync(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(200, prog)
}

func (srv *Server) handleProgress(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	if prog, ok := srv.syncer.ActiveProgress(uid); ok {
		return c.JSON(200, prog)
	}
	if prog, ok := srv.syncer.LastRun(uid); ok {
		return c.JSON(200, prog)
	}

	// No recent run; summarize straight from the queue.
	counts, err := srv.store.CountByStatus(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]any{
		"userId":          uid,
		"pendingItems":    counts.Pending,
		"inProgressItems": counts.InProgress,
		"processedItems":  counts.Completed,
		"failedItems":     counts.Failed,
	})
}

type conflictView struct {
	ID                  uint       `json:"id"`
	UserID              string     `json:"userId"`
	EntityType          string     `json:"entityType"`
	EntityID            string     `json:"entityId"`
	LocalValue          string     `json:"localValue"`
	LocalTimestamp      time.Time  `json:"localTimestamp"`
	RemoteValue         string     `json:"remoteValue"`
	RemoteTimestamp     time.Time  `json:"remoteTimestamp"`
	RemoteDeviceID      string     `json:"remoteDeviceId,omitempty"`
	Strategy            string     `json:"resolutionStrategy,omitempty"`
	Resolved            bool       `json:"resolved"`
	ResolvedValue       string     `json:"resolvedValue,omitempty"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	DetectedAt          time.Time  `json:"detectedAt"`
	SuggestedResolution string     `json:"suggestedResolution"`
}

func (srv *Server) handleListConflicts(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	var recs []*conflict.Record
	if c.QueryParam("all") == "true" {
		recs, err = srv.resolver.ListAll(ctx, uid)
	} else {
		recs, err = srv.resolver.ListPending(ctx, uid)
	}
	if err != nil {
		return err
	}

	out := make([]conflictView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, conflictView{
			ID:                  rec.ID,
			UserID:              rec.UserID,
			EntityType:          rec.EntityType,
			EntityID:            rec.EntityID,
			LocalValue:          rec.LocalValue,
			LocalTimestamp:      rec.LocalTimestamp,
			RemoteValue:         rec.RemoteValue,
			RemoteTimestamp:     rec.RemoteTimestamp,
			RemoteDeviceID:      rec.RemoteDeviceID,
			Strategy:            rec.Strategy,
			Resolved:            rec.Resolved,
			ResolvedValue:       rec.ResolvedValue,
			ResolvedAt:          rec.ResolvedAt,
			DetectedAt:          rec.CreatedAt,
			SuggestedResolution: rec.SuggestedResolution(),
		})
	}
	return c.JSON(200, out)
}

func (srv *Server) handleResolveByTimestamp(c echo.Context) error {
	if _, err := userID(c); err != nil {
		return err
	}
	id, err := conflictID(c)
	if err != nil {
		return err
	}

	rec, err := srv.resolver.ResolveByTimestamp(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(200, rec)
}

type manualResolutionRequest struct {
	ChosenValue json.RawMessage `json:"chosenValue"`
}

func (srv *Server) handleResolveManually(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	id, err := conflictID(c)
	if err != nil {
		return err
	}

	var req manualResolutionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	rec, err := srv.resolver.ResolveManually(c.Request().Context(), id, string(req.ChosenValue), uid)
	if err != nil {
		return err
	}
	return c.JSON(200, rec)
}

func (srv *Server) handleAutoResolveAll(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	n, err := srv.resolver.AutoResolveAll(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]any{"resolved": n})
}

func (srv *Server) handlePurgeResolved(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	n, err := srv.resolver.PurgeResolved(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]any{"purged": n})
}
