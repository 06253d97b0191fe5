package api

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ExtensionHub/internal/auth"
	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/submission"
)

type statusRequest struct {
	Status submission.Status `json:"status"`
	Notes  string            `json:"notes"`
}

type withdrawRequest struct {
	Reason string `json:"reason"`
}

// upload 是 multipart 请求中解析出的字段，调用方负责关闭 file。
type upload struct {
	manifest  *submission.Manifest
	developer submission.Developer
	fileName  string
	file      multipart.File
}

func (h *handlers) parseUpload(r *http.Request, requireManifest bool) (*upload, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 multipart 请求失败")
	}
	u := &upload{}
	if raw := r.FormValue("manifest"); raw != "" {
		var m submission.Manifest
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "manifest 不是合法的 JSON")
		}
		u.manifest = &m
	} else if requireManifest {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 manifest 字段")
	}
	if raw := r.FormValue("developer"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &u.developer); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "developer 不是合法的 JSON")
		}
	}
	if u.developer.Name == "" {
		u.developer.Name = auth.SubjectName(r.Context())
	}
	file, header, err := r.FormFile("artifact")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 artifact 文件")
		}
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取 artifact 失败")
	}
	u.file = file
	u.fileName = header.Filename
	return u, nil
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	u, err := h.parseUpload(r, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer u.file.Close()
	sub, err := h.Submissions.Submit(r.Context(), submission.SubmitRequest{
		Manifest:  *u.manifest,
		Developer: u.developer,
		FileName:  u.fileName,
		Artifact:  u.file,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *handlers) resubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	u, err := h.parseUpload(r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer u.file.Close()
	sub, err := h.Submissions.Resubmit(r.Context(), chi.URLParam(r, "id"), submission.ResubmitRequest{
		Manifest: u.manifest,
		FileName: u.fileName,
		Artifact: u.file,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *handlers) listSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Submissions.List(r.Context(), submission.Filter{
		Status: submission.Status(q.Get("status")),
		Plugin: q.Get("plugin"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Submissions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *handlers) updateSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.Submissions.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.Notes, auth.SubjectName(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *handlers) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.Submissions.Withdraw(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *handlers) deleteSubmission(w http.ResponseWriter, r *http.Request) {
	if err := h.Submissions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

