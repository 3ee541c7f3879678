package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/capture"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/provision"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/summarize"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/transcribe"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeAlreadyRunning    = "already_running"
	CodeAlreadyRecording  = "already_recording"
	CodeNotRecording      = "not_recording"
	CodeResourceBusy      = "resource_busy"
	CodeAlreadyInstalled  = "already_installed"
	CodeDeviceUnavailable = "device_unavailable"
	CodeModelMissing      = "model_missing"
	CodeNoTranscript      = "no_transcript"
	CodeNotRecorded       = "not_recorded"
	CodeNotFound          = "not_found"
	CodeInvalidRequest    = "invalid_request"
	CodeInternal          = "internal"
	CodeUnavailable       = "unavailable"
	CodeUnauthorized      = "unauthorized"
)

var errInvalidRequest = errors.New("invalid request")

// errorMapping is checked in order; the first sentinel matched with
// errors.Is decides the response.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{database.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{jobs.ErrAlreadyRunning, http.StatusConflict, CodeAlreadyRunning},
	{capture.ErrAlreadyRecording, http.StatusConflict, CodeAlreadyRecording},
	{capture.ErrNotRecording, http.StatusConflict, CodeNotRecording},
	{resources.ErrResourceBusy, http.StatusConflict, CodeResourceBusy},
	{provision.ErrAlreadyInstalled, http.StatusConflict, CodeAlreadyInstalled},
	{capture.ErrDeviceUnavailable, http.StatusUnprocessableEntity, CodeDeviceUnavailable},
	{resources.ErrModelMissing, http.StatusUnprocessableEntity, CodeModelMissing},
	{summarize.ErrNoTranscript, http.StatusUnprocessableEntity, CodeNoTranscript},
	{transcribe.ErrNotRecorded, http.StatusUnprocessableEntity, CodeNotRecorded},
	{summarize.ErrInvalidLength, http.StatusBadRequest, CodeInvalidRequest},
	{provision.ErrUnknownFeature, http.StatusBadRequest, CodeInvalidRequest},
	{provision.ErrUnknownModel, http.StatusBadRequest, CodeInvalidRequest},
	{errInvalidRequest, http.StatusBadRequest, CodeInvalidRequest},
}

// StatusFor maps a service error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// WriteServiceError writes err using the error mapping. Unmapped errors are
// logged and reported as 500.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	WriteErrorDetail(w, status, code, err.Error())
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeValid decodes the request body into v and validates its struct tags.
func DecodeValid(r *http.Request, v any) error {
	if err := DecodeJSON(r, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fieldMessage(fe))
			}
			return fmt.Errorf("%w: %s", errInvalidRequest, strings.Join(parts, "; "))
		}
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), strings.Split(fe.Namespace(), ".")[0]+".")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
