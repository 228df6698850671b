package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/datadrape/datadrape-ai/backend/internal/logging"
	"github.com/datadrape/datadrape-ai/backend/internal/metrics"
	"github.com/datadrape/datadrape-ai/backend/internal/model/upload"
)

// Client-facing validation messages.
const (
	MsgNoImage       = "No image provided"
	MsgNoFilename    = "No image selected"
	MsgInvalidType   = "Invalid file type"
	msgTooLargeFmt   = "File too large. Maximum size is %dMB"
	resultOK         = "ok"
	resultInvalid    = "invalid"
	resultFailed     = "error"
	defaultMaxBytes  = 10 << 20
	maxLoggedNameLen = 128
)

var allowedExtensions = map[string]struct{}{
	"png":  {},
	"jpg":  {},
	"jpeg": {},
	"gif":  {},
	"webp": {},
	"bmp":  {},
}

// ValidationError reports an upload the caller must fix.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Stager holds an upload while it is validated and encoded.
type Stager interface {
	Stage(ctx context.Context, name string, r io.Reader) (string, error)
	Read(ctx context.Context, url string) ([]byte, error)
	Remove(ctx context.Context, url string) error
}

// Encoder turns uploaded images into data URLs.
type Encoder struct {
	stager   Stager
	maxBytes int64
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// NewEncoder creates an Encoder that accepts files up to maxBytes.
func NewEncoder(stager Stager, maxBytes int64, m *metrics.Metrics, logger logrus.FieldLogger) *Encoder {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Encoder{
		stager:   stager,
		maxBytes: maxBytes,
		metrics:  m,
		log:      logging.Component(logger, "upload"),
	}
}

// MaxBytes returns the largest accepted file size.
func (e *Encoder) MaxBytes() int64 {
	return e.maxBytes
}

// Encode validates the file and returns it as a data URL. size is the
// declared length of r, or a negative value when unknown. The staged copy
// is removed before Encode returns, whatever the outcome.
func (e *Encoder) Encode(ctx context.Context, filename string, size int64, r io.Reader) (upload.Result, error) {
	result, n, err := e.encode(ctx, filename, size, r)
	switch {
	case err == nil:
		e.metrics.ObserveUpload(resultOK, n)
	case isValidation(err):
		e.metrics.ObserveUpload(resultInvalid, 0)
	default:
		e.metrics.ObserveUpload(resultFailed, 0)
	}
	return result, err
}

func (e *Encoder) encode(ctx context.Context, filename string, size int64, r io.Reader) (upload.Result, int64, error) {
	if r == nil {
		return upload.Result{}, 0, &ValidationError{Message: MsgNoImage}
	}
	if strings.TrimSpace(filename) == "" {
		return upload.Result{}, 0, &ValidationError{Message: MsgNoFilename}
	}

	ext, ok := imageExtension(filename)
	if !ok {
		return upload.Result{}, 0, &ValidationError{Message: MsgInvalidType}
	}
	if size > e.maxBytes {
		return upload.Result{}, 0, e.TooLarge()
	}

	staged, err := e.stager.Stage(ctx, filename, io.LimitReader(r, e.maxBytes+1))
	if err != nil {
		return upload.Result{}, 0, err
	}
	defer e.remove(ctx, staged)

	data, err := e.stager.Read(ctx, staged)
	if err != nil {
		return upload.Result{}, 0, err
	}
	if int64(len(data)) > e.maxBytes {
		return upload.Result{}, 0, e.TooLarge()
	}

	logging.WithRequest(ctx, e.log).WithFields(logrus.Fields{
		"filename": truncate(filename, maxLoggedNameLen),
		"bytes":    len(data),
	}).Debug("image encoded")

	return upload.Result{URL: DataURL("image/"+ext, data)}, int64(len(data)), nil
}

func (e *Encoder) remove(ctx context.Context, staged string) {
	if err := e.stager.Remove(context.WithoutCancel(ctx), staged); err != nil {
		logging.WithRequest(ctx, e.log).WithError(err).WithField("staged", staged).
			Error("failed to remove staged upload")
	}
}

// TooLarge is the validation error for files over the size limit.
func (e *Encoder) TooLarge() error {
	return &ValidationError{Message: fmt.Sprintf(msgTooLargeFmt, e.maxBytes>>20)}
}

// DataURL renders data as a base64 data URL of the given MIME type.
func DataURL(mime string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}

// imageExtension returns the lowercased extension of filename when it is
// an accepted image type.
func imageExtension(filename string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	_, ok := allowedExtensions[ext]
	return ext, ok
}

func isValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
