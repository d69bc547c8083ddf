package gateway

import (
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/objectbridge/internal/runtime/envelope"
	"github.com/drblury/objectbridge/internal/runtime/jsoncodec"
	"github.com/drblury/objectbridge/internal/runtime/logging"
	"github.com/drblury/objectbridge/internal/runtime/rpc"
)

const (
	defaultPage     = 1
	defaultPageSize = 10
	maxPageSize     = 100
)

type uploadKind struct {
	eventType string
	label     string
	accepts   func(mimeType string) bool
}

var (
	uploadImage = uploadKind{
		eventType: envelope.EventUploadImage,
		label:     "Image",
		accepts:   func(m string) bool { return strings.HasPrefix(m, "image/") },
	}
	uploadPDF = uploadKind{
		eventType: envelope.EventUploadPDF,
		label:     "PDF",
		accepts:   func(m string) bool { return m == "application/pdf" },
	}
)

type acceptedResponse struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := jsoncodec.Decode(r.Body, &body); err != nil || body == nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	id, err := s.bridge.Write(r.Context(), envelope.EventCreateObject, envelope.Payload(body))
	if err != nil {
		s.log.Error("Queueing object creation failed", err, nil)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acceptedResponse{Message: "Object creation request accepted", RequestID: id})
}

func (s *Server) handleUpload(kind uploadKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if stderrors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer func() { _ = file.Close() }()

		content, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read file: "+err.Error())
			return
		}

		mimeType := sniffContentType(content)
		if !kind.accepts(mimeType) {
			writeError(w, http.StatusBadRequest, "Invalid file type")
			return
		}

		id, err := s.bridge.Write(r.Context(), kind.eventType, envelope.Payload{
			"filename":  header.Filename,
			"content":   envelope.EncodeHex(content),
			"mime_type": mimeType,
		})
		if err != nil {
			s.log.Error("Queueing upload failed", err, logging.LogFields{"event_type": kind.eventType})
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, acceptedResponse{
			Message:   kind.label + " upload request accepted",
			RequestID: id,
		})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("type")
	if kind == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	page, err := intParam(q.Get("page"), defaultPage)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be at least 1")
		return
	}
	pageSize, err := intParam(q.Get("page_size"), defaultPageSize)
	if err != nil || pageSize < 1 || pageSize > maxPageSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("page_size must be between 1 and %d", maxPageSize))
		return
	}

	resp, err := s.bridge.Read(r.Context(), envelope.EventListObjects, envelope.Payload{
		"type":      kind,
		"page":      page,
		"page_size": pageSize,
	})
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	if resp.IsError() {
		writeError(w, http.StatusInternalServerError, resp.Error)
		return
	}
	writeRawJSON(w, http.StatusOK, resp.Data)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	objectID := chi.URLParam(r, "objectID")

	resp, err := s.bridge.Read(r.Context(), envelope.EventGetObject, envelope.Payload{"object_id": objectID})
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	if resp.IsError() {
		writeError(w, http.StatusNotFound, resp.Error)
		return
	}

	switch {
	case resp.Type == envelope.TypeJSON:
		writeRawJSON(w, http.StatusOK, resp.Data)
	case resp.IsBinary():
		content, err := resp.Bytes()
		if err != nil {
			s.log.Error("Decoding binary reply failed", err, logging.LogFields{"object_id": objectID})
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		mimeType := resp.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", mimeType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": resp.Filename}))
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	default:
		writeError(w, http.StatusBadRequest, "Unsupported object type")
	}
}

func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	if stderrors.Is(err, rpc.ErrTimeout) {
		writeError(w, http.StatusRequestTimeout, "Request timeout")
		return
	}
	s.log.Error("Call failed", err, nil)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// sniffContentType returns the detected media type without parameters.
func sniffContentType(content []byte) string {
	detected := http.DetectContentType(content)
	mediaType, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return detected
	}
	return mediaType
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, data)
}

func writeRawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
