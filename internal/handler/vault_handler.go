// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"envelope-key-service/internal/domain"
	"envelope-key-service/internal/usecase"
	"envelope-key-service/pkg/httputil"
)

var keyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxPlaintextSize は1リクエストで受け付ける平文の最大サイズ（バイト）。
const maxPlaintextSize = 1 << 20

// VaultHandler はHTTPハンドラを提供する。
type VaultHandler struct {
	service *usecase.VaultService
}

// NewVaultHandler は新しいVaultHandlerを生成する。
func NewVaultHandler(service *usecase.VaultService) *VaultHandler {
	return &VaultHandler{service: service}
}

func validateKeyID(keyID string) error {
	if keyID == "" {
		return domain.ErrInvalidKeyID
	}
	if len(keyID) > 64 {
		return domain.ErrInvalidKeyID
	}
	if !keyIDRegex.MatchString(keyID) {
		return domain.ErrInvalidKeyID
	}
	return nil
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	KeyID     string `json:"key_id"`
	Version   uint   `json:"version"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

// CiphertextResponse は暗号化結果のレスポンス形式。
type CiphertextResponse struct {
	KeyID      string `json:"key_id"`
	Ciphertext string `json:"ciphertext"`
}

// PlaintextResponse は復号結果のレスポンス形式。
type PlaintextResponse struct {
	Plaintext string `json:"plaintext"`
}

// AuditEventResponse は監査イベントのレスポンス形式。
type AuditEventResponse struct {
	Sequence   uint64 `json:"sequence"`
	Timestamp  string `json:"timestamp"`
	Operation  string `json:"operation"`
	KeyID      string `json:"key_id,omitempty"`
	KeyVersion uint   `json:"key_version,omitempty"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
}

// AuditListResponse は監査イベント一覧のレスポンス形式。
type AuditListResponse struct {
	Events []AuditEventResponse `json:"events"`
}

// writeError はドメインエラーをHTTPステータスとエラーコードに写像する。
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key or key version not found")
	case errors.Is(err, domain.ErrKeyAlreadyExists):
		httputil.Error(w, http.StatusConflict, "KEY_ALREADY_EXISTS", "key already exists")
	case errors.Is(err, domain.ErrInvalidOperation):
		httputil.Error(w, http.StatusConflict, "INVALID_OPERATION", "operation not allowed for the current key state")
	case errors.Is(err, domain.ErrIntegrityCheckFailed):
		httputil.Error(w, http.StatusBadRequest, "INTEGRITY_ERROR", "ciphertext integrity check failed")
	case errors.Is(err, domain.ErrInvalidCiphertext):
		httputil.Error(w, http.StatusBadRequest, "INVALID_CIPHERTEXT", "malformed ciphertext")
	case errors.Is(err, domain.ErrConflict):
		httputil.Error(w, http.StatusConflict, "CONFLICT", "concurrent modification conflict, retry the operation")
	case errors.Is(err, domain.ErrStorageUnavailable):
		httputil.Error(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "key storage is unavailable")
	case errors.Is(err, domain.ErrSinkUnavailable):
		httputil.Error(w, http.StatusServiceUnavailable, "SINK_UNAVAILABLE", "audit sink is unavailable")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

func keyMetadataResponse(record *domain.KeyRecord) KeyMetadataResponse {
	return KeyMetadataResponse{
		KeyID:     record.KeyID,
		Version:   record.Version,
		Status:    string(record.Status),
		CreatedAt: record.CreatedAt.Format(time.RFC3339),
	}
}

// CreateKey は新しい鍵を生成する。key_idを省略した場合はUUIDが割り当てられる。
func (h *VaultHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyID string `json:"key_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
			return
		}
	}
	if req.KeyID != "" {
		if err := validateKeyID(req.KeyID); err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
			return
		}
	}

	record, err := h.service.CreateKey(r.Context(), req.KeyID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, keyMetadataResponse(record))
}

// RotateKey は鍵を新バージョンにローテーションする。
func (h *VaultHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	record, err := h.service.RotateKey(r.Context(), keyID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, keyMetadataResponse(record))
}

// RetireKey は現行でない旧バージョンをretireする。
func (h *VaultHandler) RetireKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}
	version, err := strconv.ParseUint(chi.URLParam(r, "version"), 10, 32)
	if err != nil || version < 1 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_VERSION", "invalid key version")
		return
	}

	if err := h.service.RetireKey(r.Context(), keyID, uint(version)); err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, nil)
}

// Encrypt は平文をエンベロープ暗号化する。平文・暗号文はbase64で受け渡す。
func (h *VaultHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	var req struct {
		Plaintext string `json:"plaintext"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPlaintextSize*2)).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "plaintext must be base64 encoded")
		return
	}
	if len(plaintext) > maxPlaintextSize {
		httputil.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "plaintext exceeds the size limit")
		return
	}

	blob, err := h.service.Encrypt(r.Context(), keyID, plaintext)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, CiphertextResponse{
		KeyID:      keyID,
		Ciphertext: base64.StdEncoding.EncodeToString(blob),
	})
}

// Decrypt は暗号文ブロブを復号する。暗号文に埋め込まれた鍵バージョンが
// retired状態でも復号できる。
func (h *VaultHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ciphertext string `json:"ciphertext"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPlaintextSize*2)).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ciphertext must be base64 encoded")
		return
	}

	plaintext, err := h.service.Decrypt(r.Context(), blob)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, PlaintextResponse{
		Plaintext: base64.StdEncoding.EncodeToString(plaintext),
	})
}

// ListKeys は全鍵の現行バージョンとステータスの一覧を取得する。
func (h *VaultHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.ListKeys(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := KeyListResponse{Keys: make([]KeyMetadataResponse, len(keys))}
	for i, k := range keys {
		resp.Keys[i] = KeyMetadataResponse{
			KeyID:     k.KeyID,
			Version:   k.CurrentVersion,
			Status:    string(k.Status),
			CreatedAt: k.CreatedAt.Format(time.RFC3339),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// QueryAudit は監査イベントを検索する。
func (h *VaultHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	events, err := h.service.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := AuditListResponse{Events: make([]AuditEventResponse, len(events))}
	for i, e := range events {
		resp.Events[i] = AuditEventResponse{
			Sequence:   e.Sequence,
			Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
			Operation:  string(e.Operation),
			KeyID:      e.KeyID,
			KeyVersion: e.KeyVersion,
			Outcome:    string(e.Outcome),
			Reason:     e.Reason,
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// parseAuditFilter はクエリパラメータから監査検索条件を組み立てる。
func parseAuditFilter(r *http.Request) (domain.AuditFilter, error) {
	filter := domain.AuditFilter{
		KeyID:     r.URL.Query().Get("key_id"),
		Operation: domain.OperationKind(r.URL.Query().Get("operation")),
		Outcome:   domain.AuditOutcome(r.URL.Query().Get("outcome")),
	}

	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, errors.New("since must be RFC3339 formatted")
		}
		filter.Since = &t
	}
	if until := r.URL.Query().Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filter, errors.New("until must be RFC3339 formatted")
		}
		filter.Until = &t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}
	return filter, nil
}
