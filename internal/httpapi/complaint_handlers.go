package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/complaint"
	"civicpulse.org/internal/obs"
)

const maxListLimit = 500

type transitionRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

type rateRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

type listResponse struct {
	Items []complaint.Complaint `json:"results"`
	Count int                   `json:"count"`
}

type historyResponse struct {
	Items []complaint.HistoryEntry `json:"results"`
}

func (a *API) handleCreateComplaint(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}

	var (
		in  complaint.NewComplaint
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		in, err = a.readMultipartComplaint(w, r)
	} else {
		err = decodeJSON(w, r, &in)
		in.Image = ""
	}
	if err != nil {
		respondError(w, r, err)
		return
	}

	c, err := a.complaints.Create(r.Context(), actor, in)
	if err != nil {
		if in.Image != "" && a.media != nil {
			if rmErr := a.media.Remove(in.Image); rmErr != nil {
				obs.Logger().Warn("discard upload", zap.String("ref", in.Image), zap.Error(rmErr))
			}
		}
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/complaints/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

// readMultipartComplaint parses the form fields and stores the optional image.
func (a *API) readMultipartComplaint(w http.ResponseWriter, r *http.Request) (complaint.NewComplaint, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload+maxJSONBody)
	if err := r.ParseMultipartForm(maxJSONBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return complaint.NewComplaint{}, apperr.Validation(apperr.FieldError{Field: "image", Message: "upload is too large"})
		}
		return complaint.NewComplaint{}, apperr.Validation(apperr.FieldError{Field: "body", Message: "malformed multipart form"})
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	in := complaint.NewComplaint{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
		Address:     r.FormValue("address"),
	}
	var fields []apperr.FieldError
	for _, f := range []struct {
		name string
		dst  **complaint.Coord
	}{{"latitude", &in.Latitude}, {"longitude", &in.Longitude}} {
		raw := strings.TrimSpace(r.FormValue(f.name))
		if raw == "" {
			continue
		}
		v, err := complaint.ParseCoord(raw)
		if err != nil {
			fields = append(fields, apperr.FieldError{Field: f.name, Message: "must be a decimal number"})
			continue
		}
		*f.dst = &v
	}
	if len(fields) > 0 {
		return complaint.NewComplaint{}, apperr.Validation(fields...)
	}

	file, _, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return in, nil
	case err != nil:
		return complaint.NewComplaint{}, apperr.Validation(apperr.FieldError{Field: "image", Message: "unreadable upload"})
	}
	defer file.Close()
	if a.media == nil {
		return complaint.NewComplaint{}, apperr.New(apperr.CodeUnavailable, "image uploads are disabled")
	}
	ref, err := a.media.Save(r.Context(), file)
	if err != nil {
		return complaint.NewComplaint{}, err
	}
	in.Image = ref
	return in, nil
}

func (a *API) handleListComplaints(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	items, err := a.complaints.List(r.Context(), actor, f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if items == nil {
		items = []complaint.Complaint{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

func parseFilter(r *http.Request) (complaint.Filter, error) {
	q := r.URL.Query()
	var (
		f      complaint.Filter
		fields []apperr.FieldError
	)
	if v := strings.TrimSpace(q.Get("category")); v != "" {
		cat, ok := complaint.ParseCategory(v)
		if !ok {
			fields = append(fields, apperr.FieldError{Field: "category", Message: "unknown category"})
		}
		f.Category = cat
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		st, ok := complaint.ParseStatus(v)
		if !ok {
			fields = append(fields, apperr.FieldError{Field: "status", Message: "unknown status"})
		}
		f.Status = st
	}
	f.Search = strings.TrimSpace(q.Get("search"))
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			fields = append(fields, apperr.FieldError{Field: "limit", Message: "must be between 1 and " + strconv.Itoa(maxListLimit)})
		}
		f.Limit = n
	}
	if len(fields) > 0 {
		return complaint.Filter{}, apperr.Validation(fields...)
	}
	return f, nil
}

func (a *API) handleGetComplaint(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}
	c, err := a.complaints.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	c, err := a.complaints.Transition(r.Context(), actor, r.PathValue("id"), complaint.Status(strings.TrimSpace(req.Status)), req.Comment)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}
	entries, err := a.complaints.History(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []complaint.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: entries})
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}
	c, err := a.complaints.Assign(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleRate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}
	var req rateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	c, err := a.complaints.Rate(r.Context(), actor, r.PathValue("id"), req.Rating, req.Feedback)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleMedia(w http.ResponseWriter, r *http.Request) {
	if a.media == nil {
		respondError(w, r, apperr.ErrNotFound)
		return
	}
	ref := r.PathValue("ref")
	f, err := a.media.Open(ref)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		respondError(w, r, apperr.ErrNotFound)
		return
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		respondError(w, r, apperr.New(apperr.CodeInternal, "attachment is not seekable"))
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=86400")
	http.ServeContent(w, r, path.Base(ref), info.ModTime(), rs)
}
