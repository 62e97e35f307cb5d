package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/company"
	"github.com/JakeFAU/review-crawler/internal/crawler"
	"github.com/JakeFAU/review-crawler/internal/dispatcher"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type companyRequest struct {
	Name     string `json:"name" validate:"required,max=255"`
	Address  string `json:"address" validate:"max=1024"`
	TwoGISID string `json:"two_gis_id" validate:"omitempty,max=64,alphanum"`
	YandexID string `json:"yandex_id" validate:"omitempty,max=64,alphanum"`
}

func (r companyRequest) toCompany(id int64) crawler.Company {
	return crawler.Company{
		ID:      id,
		Name:    r.Name,
		Address: r.Address,
		ExternalIDs: map[crawler.Source]string{
			crawler.SourceTwoGIS:     r.TwoGISID,
			crawler.SourceYandexMaps: r.YandexID,
		},
	}
}

// companyPatchRequest is the PUT body. Omitted fields keep their stored
// values and an empty id clears that source.
type companyPatchRequest struct {
	Name     *string `json:"name" validate:"omitempty,max=255"`
	Address  *string `json:"address" validate:"omitempty,max=1024"`
	TwoGISID *string `json:"two_gis_id" validate:"omitempty,max=64,alphanum"`
	YandexID *string `json:"yandex_id" validate:"omitempty,max=64,alphanum"`
}

func (r companyPatchRequest) toPatch() company.Patch {
	p := company.Patch{Name: r.Name, Address: r.Address}
	ids := map[crawler.Source]*string{
		crawler.SourceTwoGIS:     r.TwoGISID,
		crawler.SourceYandexMaps: r.YandexID,
	}
	for source, id := range ids {
		if id == nil {
			continue
		}
		if p.ExternalIDs == nil {
			p.ExternalIDs = make(map[crawler.Source]string, len(ids))
		}
		p.ExternalIDs[source] = *id
	}
	return p
}

type companyResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	TwoGISID string `json:"two_gis_id,omitempty"`
	YandexID string `json:"yandex_id,omitempty"`
}

func toCompanyResponse(c crawler.Company) companyResponse {
	twoGIS, _ := c.ExternalID(crawler.SourceTwoGIS)
	yandex, _ := c.ExternalID(crawler.SourceYandexMaps)
	return companyResponse{ID: c.ID, Name: c.Name, Address: c.Address, TwoGISID: twoGIS, YandexID: yandex}
}

func toCompanyResponses(companies []crawler.Company) []companyResponse {
	out := make([]companyResponse, 0, len(companies))
	for _, c := range companies {
		out = append(out, toCompanyResponse(c))
	}
	return out
}

type reviewResponse struct {
	ID          int64     `json:"id"`
	CompanyID   int64     `json:"company_id"`
	Source      string    `json:"source"`
	ExternalID  string    `json:"external_id"`
	Rating      float64   `json:"rating"`
	Text        string    `json:"text"`
	AuthorName  string    `json:"author_name"`
	PublishedAt time.Time `json:"published_at"`
	ImageURLs   []string  `json:"image_urls"`
}

type reviewPage struct {
	Content       []reviewResponse `json:"content"`
	Page          int              `json:"page"`
	Size          int              `json:"size"`
	TotalElements int              `json:"total_elements"`
	TotalPages    int              `json:"total_pages"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	source, err := crawler.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := parseIDs(r.URL.Query()["companyId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "at least one companyId is required")
		return
	}
	ticket, err := s.crawls.Submit(r.Context(), source, ids)
	if err != nil {
		if errors.Is(err, dispatcher.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("submit crawl failed", zap.String("source", string(source)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue crawl")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ticket_id":   ticket.ID,
		"source":      string(source),
		"company_ids": ids,
	})
}

func (s *Server) listCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := s.companies.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompanyResponses(companies))
}

func (s *Server) searchCompanies(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("name"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	companies, err := s.companies.Search(r.Context(), query)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompanyResponses(companies))
}

func (s *Server) createCompany(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCompany(w, r)
	if !ok {
		return
	}
	created, err := s.companies.Create(r.Context(), req.toCompany(0))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCompanyResponse(created))
}

func (s *Server) getCompany(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.companies.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompanyResponse(c))
}

func (s *Server) updateCompany(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req companyPatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.companies.Update(r.Context(), id, req.toPatch())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompanyResponse(updated))
}

func (s *Server) deleteCompany(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.companies.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ids, err := parseIDs(q["companyId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var source crawler.Source
	if raw := q.Get("source"); raw != "" {
		if source, err = crawler.ParseSource(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	page, err := intParam(q.Get("page"), 0)
	if err != nil || page < 0 {
		writeError(w, http.StatusBadRequest, "page must be a non-negative integer")
		return
	}
	size, err := intParam(q.Get("size"), defaultPageSize)
	if err != nil || size < 1 || size > maxPageSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("size must be between 1 and %d", maxPageSize))
		return
	}

	reviews, total, err := s.reviews.List(r.Context(), crawler.ReviewFilter{
		CompanyIDs: ids,
		Source:     source,
		Limit:      size,
		Offset:     page * size,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := reviewPage{
		Content:       make([]reviewResponse, 0, len(reviews)),
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    (total + size - 1) / size,
	}
	for _, rv := range reviews {
		images := rv.ImageURLs
		if images == nil {
			images = []string{}
		}
		out.Content = append(out.Content, reviewResponse{
			ID:          rv.ID,
			CompanyID:   rv.CompanyID,
			Source:      string(rv.Source),
			ExternalID:  rv.ExternalID,
			Rating:      rv.Rating,
			Text:        rv.Text,
			AuthorName:  rv.AuthorName,
			PublishedAt: rv.PublishedAt,
			ImageURLs:   images,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) decodeCompany(w http.ResponseWriter, r *http.Request) (companyRequest, bool) {
	var req companyRequest
	if !s.decode(w, r, &req) {
		return companyRequest{}, false
	}
	return req, true
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrCompanyNotFound):
		writeError(w, http.StatusNotFound, "company not found")
	case errors.Is(err, crawler.ErrPersistenceConflict):
		writeError(w, http.StatusConflict, "external id already assigned to another company")
	case errors.Is(err, company.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid company id")
		return 0, false
	}
	return id, true
}

// parseIDs accepts repeated and comma-separated values.
func parseIDs(values []string) ([]int64, error) {
	var ids []int64
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid companyId %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
