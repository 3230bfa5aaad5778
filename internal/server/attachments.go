package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"purchaseflow/internal/attachments"
	"purchaseflow/internal/engine"
)

// multipartOverhead leaves room for part headers and boundaries on top of the
// file size limit.
const multipartOverhead = 64 << 10

// registerAttachments mounts the multipart upload under the API base path and
// serves stored files from /attachments/{key}. Uploads are plain chi handlers
// because the body is streamed straight into the store.
func registerAttachments(r chi.Router, basePath string, e engine.Engine) {
	r.Post(path.Join(basePath, "attachments"), func(w http.ResponseWriter, req *http.Request) {
		actorID, authErr := actorIDFromContext(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		limit := attachments.DefaultMaxBytes
		if e.Config != nil && e.Config.Attachments.MaxBytes > 0 {
			limit = e.Config.Attachments.MaxBytes
		}
		req.Body = http.MaxBytesReader(w, req.Body, limit+multipartOverhead)
		mr, err := req.MultipartReader()
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart/form-data body required", nil))
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "file part is required", nil))
				return
			}
			if err != nil {
				respondStatusError(w, uploadError(err))
				return
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}
			att, err := e.StoreAttachment(req.Context(), attachments.File{
				Name:        part.FileName(),
				ContentType: part.Header.Get("Content-Type"),
				Reader:      part,
			}, actorID)
			part.Close()
			if err != nil {
				respondStatusError(w, uploadError(err))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Location", att.URL)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(att)
			return
		}
	})

	r.Get("/attachments/{key}", func(w http.ResponseWriter, req *http.Request) {
		key := chi.URLParam(req, "key")
		if e.Attachments == nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "attachment store not configured", nil))
			return
		}
		meta, err := e.Repo.GetAttachmentByStorageKey(req.Context(), key)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		rc, err := e.Attachments.Open(req.Context(), key)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", meta.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(meta.SizeBytes, 10))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": meta.Name}))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		_, _ = io.Copy(w, rc)
	})
}

func uploadError(err error) huma.StatusError {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return newAPIError(http.StatusRequestEntityTooLarge, "attachment_too_large", "request body too large", map[string]any{"limit": tooLarge.Limit})
	}
	return handleError(err)
}
