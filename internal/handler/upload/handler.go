package upload

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/datadrape/datadrape-ai/backend/internal/logging"
	"github.com/datadrape/datadrape-ai/backend/internal/model/upload"
	uploadService "github.com/datadrape/datadrape-ai/backend/internal/service/upload"
	"github.com/datadrape/datadrape-ai/backend/pkg/utils"
)

// Multipart framing allowance on top of the image size limit.
const formOverhead = 1 << 20

// ImageEncoder validates an uploaded image and encodes it as a data URL.
type ImageEncoder interface {
	Encode(ctx context.Context, filename string, size int64, r io.Reader) (upload.Result, error)
	MaxBytes() int64
	TooLarge() error
}

// Handler serves image uploads.
type Handler struct {
	encoder ImageEncoder
	log     *logrus.Entry
}

// New creates an upload handler.
func New(encoder ImageEncoder, logger logrus.FieldLogger) *Handler {
	return &Handler{
		encoder: encoder,
		log:     logging.Component(logger, "upload"),
	}
}

// RegisterRoutes mounts the upload routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/upload-image", h.handleUploadImage)
}

func (h *Handler) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.encoder.MaxBytes()+formOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.respondError(w, r, h.encoder.TooLarge())
			return
		}
		utils.RespondError(w, http.StatusBadRequest, uploadService.MsgNoImage)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, uploadService.MsgNoImage)
		return
	}
	defer file.Close()

	result, err := h.encoder.Encode(r.Context(), header.Filename, header.Size, file)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *uploadService.ValidationError
	if errors.As(err, &validationErr) {
		utils.RespondError(w, http.StatusBadRequest, validationErr.Message)
		return
	}

	logging.WithRequest(r.Context(), h.log).WithError(err).Error("image upload failed")
	utils.RespondError(w, http.StatusInternalServerError, err.Error())
}
