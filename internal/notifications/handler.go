package notifications

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hbashar434/easy-shop-backend/internal/domain"
	"github.com/hbashar434/easy-shop-backend/internal/pkg/httputil"
)

const maxBatchSize = 1000

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrUnknownChannel, Status: http.StatusNotFound, Message: "notification channel is not configured"},
}

// Handler exposes the service to other backend components over HTTP.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers notification routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications/channels", h.ListChannels)
	r.Post("/notifications/{channel}", h.Send)
}

// SendRequest represents request body for dispatching a batch.
type SendRequest struct {
	Messages []Message `json:"messages" validate:"required,min=1,max=1000"`
}

// ListChannels handles GET /notifications/channels.
func (h *Handler) ListChannels(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.service.Channels())
}

// Send handles POST /notifications/{channel}. Per-message failures are
// part of the 202 response body.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	channel := domain.ChannelType(chi.URLParam(r, "channel"))

	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchSize<<10)).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.Send(r.Context(), channel, req.Messages...)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, result)
}
