package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/usermgmt/server/internal/metrics"
	"github.com/usermgmt/server/internal/services"
	"github.com/usermgmt/server/internal/storage"
	"github.com/usermgmt/server/internal/store"
	"github.com/usermgmt/server/internal/upload"
	"github.com/usermgmt/server/internal/web"
	"github.com/usermgmt/server/types"
	"go.uber.org/zap"
)

const (
	msgListFailed   = "Failed to retrieve users"
	msgGetFailed    = "Failed to retrieve user"
	msgNotFound     = "User not found"
	msgAddFailed    = "Failed to add user"
	msgUpdateFailed = "Failed to update user"
	msgDeleteFailed = "Failed to delete user"
)

// UserHandler provides the HTML handlers for user records.
type UserHandler struct {
	users   *services.UserService
	uploads *upload.Handler
	files   *storage.Storage
	views   *web.Renderer
	logger  *zap.Logger
	maxBody int64
}

// NewUserHandler constructs a handler. files serves stored pictures back.
func NewUserHandler(
	users *services.UserService,
	uploads *upload.Handler,
	files *storage.Storage,
	views *web.Renderer,
	logger *zap.Logger,
) *UserHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserHandler{
		users:   users,
		uploads: uploads,
		files:   files,
		views:   views,
		logger:  logger,
		// Room for one full-size file plus the text fields and multipart framing.
		maxBody: uploads.Config().MaxBytes*2 + 1<<20,
	}
}

// UserRouter registers the user routes on the given router.
func UserRouter(r chi.Router, handler *UserHandler) {
	r.Get("/", handler.ListUsers)
	r.Get("/add", handler.ShowAddForm)
	r.Post("/add", handler.CreateUser)
	r.Get("/edit/{id}", handler.ShowEditForm)
	r.Post("/edit/{id}", handler.UpdateUser)
	r.Post("/delete/{id}", handler.DeleteUser)
	r.Get("/uploads/{name}", handler.ServeUpload)
}

func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		h.logger.Error("list users", zap.Error(err))
		renderError(h.views, w, http.StatusInternalServerError, msgListFailed)
		return
	}
	h.views.Render(w, http.StatusOK, web.ViewIndex, web.IndexPage{Users: users})
}

func (h *UserHandler) ShowAddForm(w http.ResponseWriter, r *http.Request) {
	renderForm(h.views, w, http.StatusOK, web.ViewAdd, types.UserInput{})
}

func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	input, files, ok := h.readForm(w, r, web.ViewAdd, types.UserInput{})
	if !ok {
		return
	}

	picture, ok := h.savePicture(w, r, web.ViewAdd, input, files, msgAddFailed)
	if !ok {
		return
	}

	_, err := h.users.Create(r.Context(), input, picture)
	metrics.ObserveMutation("create", err)
	if err != nil {
		h.discardPicture(r.Context(), picture)

		var verr *services.ValidationError
		if errors.As(err, &verr) {
			renderForm(h.views, w, http.StatusUnprocessableEntity, web.ViewAdd, input, verr.Messages()...)
			return
		}
		h.logger.Error("create user", zap.Error(err))
		renderForm(h.views, w, http.StatusInternalServerError, web.ViewAdd, input, msgAddFailed)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *UserHandler) ShowEditForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	user, err := h.users.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(h.views, w, http.StatusNotFound, msgNotFound)
			return
		}
		h.logger.Error("get user", zap.String("id", id), zap.Error(err))
		renderError(h.views, w, http.StatusInternalServerError, msgGetFailed)
		return
	}

	renderForm(h.views, w, http.StatusOK, web.ViewEdit, types.InputFromUser(user))
}

func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The stored picture is only shown again if the form is re-rendered.
	current := types.UserInput{ID: id}
	if user, err := h.users.Get(r.Context(), id); err == nil {
		current.ProfilePicture = user.ProfilePicture
	}

	input, files, ok := h.readForm(w, r, web.ViewEdit, current)
	if !ok {
		return
	}

	picture, ok := h.savePicture(w, r, web.ViewEdit, input, files, msgUpdateFailed)
	if !ok {
		return
	}

	_, replaced, err := h.users.Update(r.Context(), id, input, picture)
	metrics.ObserveMutation("update", err)
	if err != nil {
		h.discardPicture(r.Context(), picture)

		var verr *services.ValidationError
		switch {
		case errors.As(err, &verr):
			renderForm(h.views, w, http.StatusUnprocessableEntity, web.ViewEdit, input, verr.Messages()...)
		case errors.Is(err, store.ErrNotFound):
			renderForm(h.views, w, http.StatusNotFound, web.ViewEdit, input, msgNotFound)
		default:
			h.logger.Error("update user", zap.String("id", id), zap.Error(err))
			renderForm(h.views, w, http.StatusInternalServerError, web.ViewEdit, input, msgUpdateFailed)
		}
		return
	}

	h.discardPicture(r.Context(), replaced)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	picture := ""
	if current, err := h.users.Get(r.Context(), id); err == nil {
		picture = current.ProfilePicture
	}

	err := h.users.Delete(r.Context(), id)
	metrics.ObserveMutation("delete", err)
	if err != nil {
		h.logger.Error("delete user", zap.String("id", id), zap.Error(err))
		renderError(h.views, w, http.StatusInternalServerError, msgDeleteFailed)
		return
	}

	h.discardPicture(r.Context(), picture)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// ServeUpload streams a stored profile picture.
func (h *UserHandler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := h.files.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("read upload", zap.String("name", name), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("stream upload", zap.String("name", name), zap.Error(err))
	}
}

// readForm parses the request body into a copy of base. On failure it renders
// view with the fields read so far and returns false.
func (h *UserHandler) readForm(w http.ResponseWriter, r *http.Request, view string, base types.UserInput) (types.UserInput, []upload.File, bool) {
	input, files, err := parseUserForm(w, r, h.maxBody, h.uploads)
	input.ID = base.ID
	input.ProfilePicture = base.ProfilePicture
	if err == nil {
		return input, files, true
	}

	if errors.Is(err, errBodyTooLarge) {
		metrics.ObserveUpload(metrics.UploadRejected)
		renderForm(h.views, w, http.StatusUnprocessableEntity, view, input, h.uploads.TooLarge().Error())
		return input, nil, false
	}
	h.logger.Info("malformed form", zap.Error(err))
	renderForm(h.views, w, http.StatusBadRequest, view, input, "The submitted form could not be read")
	return input, nil, false
}

// savePicture stores the uploaded picture, if any. On failure it renders view
// and returns false.
func (h *UserHandler) savePicture(w http.ResponseWriter, r *http.Request, view string, input types.UserInput, files []upload.File, failMsg string) (string, bool) {
	picture, err := h.uploads.Save(r.Context(), files)
	if err == nil {
		if picture != "" {
			metrics.ObserveUpload(metrics.UploadStored)
		}
		return picture, true
	}

	var uerr *upload.Error
	if errors.As(err, &uerr) {
		metrics.ObserveUpload(metrics.UploadRejected)
		renderForm(h.views, w, http.StatusUnprocessableEntity, view, input, uerr.Message)
		return "", false
	}
	metrics.ObserveUpload(metrics.UploadFailed)
	h.logger.Error("save upload", zap.Error(err))
	renderForm(h.views, w, http.StatusInternalServerError, view, input, failMsg)
	return "", false
}

func (h *UserHandler) discardPicture(ctx context.Context, name string) {
	if err := h.uploads.Remove(ctx, name); err != nil {
		h.logger.Warn("remove picture", zap.String("name", name), zap.Error(err))
	}
}
