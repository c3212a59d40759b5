// Package escrowhandler serves the escrow backend API.
package escrowhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/e2ee-key-custody/api"
	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/ruteri/e2ee-key-custody/metrics"
)

// DefaultMaxBodyBytes bounds request bodies; room key uploads are the largest.
const DefaultMaxBodyBytes = 16 << 20

// Handler processes escrow API requests for the account named in the
// X-Account-Id header.
type Handler struct {
	store   *Store
	metrics *metrics.EscrowMetrics
	log     *slog.Logger
	maxBody int64
}

// NewHandler creates a handler over store. m may be nil.
func NewHandler(store *Store, m *metrics.EscrowMetrics, log *slog.Logger) *Handler {
	return &Handler{
		store:   store,
		metrics: m,
		log:     log,
		maxBody: DefaultMaxBodyBytes,
	}
}

// WithBodyLimit overrides the request body limit. Non-positive values are ignored.
func (h *Handler) WithBodyLimit(n int64) *Handler {
	if n > 0 {
		h.maxBody = n
	}
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(api.SecurityKeyPath, h.HandleGetSecurityKey)
	r.Post(api.SecurityKeyPath, h.HandleSaveSecurityKey)
	r.Post(api.SaveRoomKeysPath, h.HandleSaveRoomKeys)
	r.Get(api.ListRoomKeysPath, h.HandleListRoomKeys)
}

func (h *Handler) account(w http.ResponseWriter, r *http.Request) (interfaces.AccountID, bool) {
	account := r.Header.Get(api.AccountIDHeader)
	if account == "" {
		http.Error(w, "missing "+api.AccountIDHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return interfaces.AccountID(account), true
}

// HandleGetSecurityKey returns the account's escrowed record.
//
// Response: 200 with EscrowedSecurityKeyRecord, or 204 when no record exists.
func (h *Handler) HandleGetSecurityKey(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	record, err := h.store.GetSecurityKey(r.Context(), account)
	h.metrics.Request("getSecurityKey", err)
	if err != nil {
		h.internalError(w, r, "could not read security key", err)
		return
	}

	if record == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, record)
}

// HandleSaveSecurityKey escrows a sealed recovery key.
//
// Request body: SaveSecurityKeyRequest
// Response: 204 on success, 409 when a record exists and forceSave is false.
func (h *Handler) HandleSaveSecurityKey(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	var req api.SaveSecurityKeyRequest
	if err := h.decode(r, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid request: %w", err).Error(), http.StatusBadRequest)
		return
	}
	if len(req.Ciphertext) == 0 {
		http.Error(w, "empty ciphertext", http.StatusBadRequest)
		return
	}

	err := h.store.SaveSecurityKey(r.Context(), account, req.Ciphertext, req.ForceSave)
	h.metrics.Request("saveSecurityKey", err)
	if errors.Is(err, interfaces.ErrEscrowConflict) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		h.internalError(w, r, "could not save security key", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSaveRoomKeys stores uploaded session keys and returns peer keys
// stored since the request time.
//
// Request body: SaveRoomKeysRequest
// Response: SaveRoomKeysResponse
func (h *Handler) HandleSaveRoomKeys(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	var req api.SaveRoomKeysRequest
	if err := h.decode(r, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid request: %w", err).Error(), http.StatusBadRequest)
		return
	}
	for _, s := range req.Sessions {
		if s.SessionID == "" {
			http.Error(w, "session record without sessionId", http.StatusBadRequest)
			return
		}
	}

	imported, serverTime, err := h.store.SaveRoomKeys(r.Context(), account, req.Time, req.Sessions)
	h.metrics.Request("saveRoomKeys", err)
	if err != nil {
		h.internalError(w, r, "could not save room keys", err)
		return
	}

	h.writeJSON(w, api.SaveRoomKeysResponse{Imported: imported, Time: serverTime})
}

// HandleListRoomKeys returns every session key stored for the account.
func (h *Handler) HandleListRoomKeys(w http.ResponseWriter, r *http.Request) {
	account, ok := h.account(w, r)
	if !ok {
		return
	}

	records, err := h.store.ListRoomKeys(r.Context(), account)
	h.metrics.Request("listRoomKeys", err)
	if err != nil {
		h.internalError(w, r, "could not list room keys", err)
		return
	}

	h.writeJSON(w, api.ListRoomKeysResponse{Sessions: records})
}

func (h *Handler) decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > h.maxBody {
		return fmt.Errorf("request body exceeds %d bytes", h.maxBody)
	}
	return json.Unmarshal(body, v)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// internalError hides backend details from the client and logs them under a request id.
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	requestID := uuid.NewString()
	h.log.Error(msg, "err", err, "requestID", requestID, "path", r.URL.Path)
	http.Error(w, fmt.Sprintf("%s (request %s)", msg, requestID), http.StatusInternalServerError)
}
