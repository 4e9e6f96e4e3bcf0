package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict

	"iot-telemetry-hub/internal/analytics"
	"iot-telemetry-hub/internal/auth"
	"iot-telemetry-hub/internal/data"
	"iot-telemetry-hub/internal/ingest"
	"iot-telemetry-hub/internal/storage"
	"iot-telemetry-hub/internal/websocket"
)

const maxBodyBytes = 1 << 20

// Ingester records a reading for an authenticated device.
type Ingester interface {
	Ingest(ctx context.Context, device *data.DeviceIdentity, sensorID int64, raw float64, clientTimestamp *time.Time) (*data.Reading, error)
}

type Aggregator interface {
	Aggregate(ctx context.Context, tenantID int64, period, resolution string) ([]data.AnalyticsBucket, error)
}

type ReadingLister interface {
	ListReadings(ctx context.Context, f storage.ReadingFilter) ([]data.Reading, error)
}

type Option func(*APIHandler)

// WithHistorySize sets how many recent readings a new subscriber receives.
// Zero disables the history message.
func WithHistorySize(n int) Option {
	return func(h *APIHandler) { h.historySize = n }
}

func WithSendBuffer(n int) Option {
	return func(h *APIHandler) { h.sendBuffer = n }
}

// WithAllowedOrigins restricts WebSocket upgrades to the given origins.
// An empty list or "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *APIHandler) { h.allowedOrigins = origins }
}

type APIHandler struct {
	ingester    Ingester
	verifier    *auth.DeviceVerifier
	auth        *auth.AuthManager
	broadcaster *websocket.Broadcaster
	aggregator  Aggregator
	readings    ReadingLister
	log         *slog.Logger

	upgrader       gwebsocket.Upgrader
	allowedOrigins []string
	historySize    int
	sendBuffer     int
}

func NewAPIHandler(
	ingester Ingester,
	verifier *auth.DeviceVerifier,
	authManager *auth.AuthManager,
	broadcaster *websocket.Broadcaster,
	aggregator Aggregator,
	readings ReadingLister,
	log *slog.Logger,
	opts ...Option,
) *APIHandler {
	h := &APIHandler{
		ingester:    ingester,
		verifier:    verifier,
		auth:        authManager,
		broadcaster: broadcaster,
		aggregator:  aggregator,
		readings:    readings,
		log:         log,
		sendBuffer:  websocket.DefaultSendBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = gwebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *APIHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleDataIngest receives one reading from an authenticated device.
func (h *APIHandler) HandleDataIngest(w http.ResponseWriter, r *http.Request) {
	device, ok := auth.DeviceFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Invalid device credential")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.log.Warn("error reading request body", "error", err)
		respondError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}
	defer r.Body.Close()

	req, err := data.ParseReading(body)
	if err != nil {
		h.log.Info("malformed reading", "device_id", device.DeviceID, "error", err)
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	reading, err := h.ingester.Ingest(r.Context(), device, req.SensorID, req.Value, req.Timestamp)
	switch {
	case errors.Is(err, ingest.ErrSensorNotBound):
		respondError(w, http.StatusBadRequest, "Sensor type is not bound to this device")
		return
	case err != nil:
		h.log.Error("ingest failed", "device_id", device.DeviceID, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	respondJSON(w, http.StatusOK, reading)
}

// HandleWebSocket admits a dashboard subscriber to its tenant's stream. The
// credential is checked before the upgrade; a rejected peer is upgraded only
// to receive a policy-violation close frame.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID, authErr := h.auth.AuthorizeSubscription(r.URL.Query().Get("token"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", "error", err)
		return
	}

	if authErr != nil {
		h.log.Info("websocket subscription rejected", "remote", conn.RemoteAddr().String(), "error", authErr)
		websocket.Reject(conn, "authentication failed")
		return
	}

	client := websocket.NewClient(conn, h.broadcaster, tenantID, h.sendBuffer, h.log)
	h.sendInitialData(r.Context(), client)
	h.broadcaster.Register(client, tenantID)

	go client.WritePump()
	go client.ReadPump()

	h.log.Info("websocket connection established", "subscriber_id", client.ID, "tenant_id", tenantID, "remote", conn.RemoteAddr().String())
}

// sendInitialData queues the tenant's most recent readings, oldest first.
func (h *APIHandler) sendInitialData(ctx context.Context, client *websocket.Client) {
	if h.historySize <= 0 {
		return
	}
	recent, err := h.readings.ListReadings(ctx, storage.ReadingFilter{OrganizationID: client.TenantID, Limit: h.historySize})
	if err != nil {
		h.log.Error("loading subscriber history", "tenant_id", client.TenantID, "error", err)
		return
	}
	if len(recent) == 0 {
		return
	}

	events := make([]data.ReadingEvent, len(recent))
	for i := range recent {
		events[len(recent)-1-i] = data.NewReadingEvent(&recent[i], client.TenantID)
	}
	messageBytes, err := json.Marshal(data.Envelope{Type: data.MessageHistory, Payload: events})
	if err != nil {
		h.log.Error("marshal history", "error", err)
		return
	}
	if err := client.Enqueue(messageBytes); err != nil {
		h.log.Warn("history not queued", "subscriber_id", client.ID, "error", err)
	}
}

// HandleAnalytics returns bucketed statistics for the caller's organization.
func (h *APIHandler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, ok := h.scopeTenant(w, r)
	if !ok {
		return
	}

	resolution := q.Get("resolution")
	if resolution == "" {
		resolution = q.Get("bucket_size")
	}

	buckets, err := h.aggregator.Aggregate(r.Context(), tenantID, q.Get("period"), resolution)
	switch {
	case errors.Is(err, analytics.ErrInvalidResolution):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error("analytics failed", "tenant_id", tenantID, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	respondJSON(w, http.StatusOK, buckets)
}

// HandleListReadings returns the organization's readings, newest first.
func (h *APIHandler) HandleListReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, ok := h.scopeTenant(w, r)
	if !ok {
		return
	}

	filter := storage.ReadingFilter{OrganizationID: tenantID}
	deviceID, err := optionalInt64(q, "device_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.DeviceID = deviceID

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	if s := q.Get("start_date"); s != "" {
		since, err := data.ParseTimeString(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "start_date: "+err.Error())
			return
		}
		filter.Since = &since
	}

	readings, err := h.readings.ListReadings(r.Context(), filter)
	if err != nil {
		h.log.Error("listing readings failed", "tenant_id", tenantID, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if readings == nil {
		readings = []data.Reading{}
	}
	respondJSON(w, http.StatusOK, readings)
}

// HandleLogin exchanges email and password form fields for a session token.
func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "Cannot parse form")
		return
	}
	email, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	if email == "" || password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.auth.AuthenticateUser(r.Context(), email, password)
	switch {
	case errors.Is(err, auth.ErrBadLogin):
		w.Header().Set("WWW-Authenticate", "Bearer")
		respondError(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	case errors.Is(err, auth.ErrInactiveUser):
		respondError(w, http.StatusBadRequest, "Inactive user")
		return
	case err != nil:
		h.log.Error("login failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	token, err := h.auth.GenerateJWT(user)
	if err != nil {
		h.log.Error("issuing session token", "user_id", user.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scopeTenant resolves the organization a session request reads, writing the
// error response itself when it cannot.
func (h *APIHandler) scopeTenant(w http.ResponseWriter, r *http.Request) (int64, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return 0, false
	}
	requested, err := optionalInt64(r.URL.Query(), "organization_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	tenantID, err := auth.TenantScope(claims, requested)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return 0, false
	}
	return tenantID, true
}

func optionalInt64(q url.Values, key string) (*int64, error) {
	s := q.Get(key)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, errors.New(key + " must be an integer")
	}
	return &n, nil
}

var internalErrorBody = []byte(`{"detail":"Internal Server Error"}`)

// respondJSON encodes v before committing the status; encode failures become
// a 500.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding response", "error", err)
		status, body = http.StatusInternalServerError, internalErrorBody
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
