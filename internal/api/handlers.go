package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tidyops/recurring-booking-service/internal/booking"
	"github.com/tidyops/recurring-booking-service/internal/geo"
	"github.com/tidyops/recurring-booking-service/internal/payments"
	"github.com/tidyops/recurring-booking-service/internal/recurrence"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleDomainError maps the booking error taxonomy onto HTTP statuses.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrCustomerNotFound):
		writeError(w, http.StatusNotFound, "customer_not_found", err.Error())
	case errors.Is(err, booking.ErrCleanerNotFound):
		writeError(w, http.StatusNotFound, "cleaner_not_found", err.Error())
	case errors.Is(err, booking.ErrSeriesNotFound):
		writeError(w, http.StatusNotFound, "series_not_found", err.Error())
	case errors.Is(err, booking.ErrOccurrenceNotFound):
		writeError(w, http.StatusNotFound, "occurrence_not_found", err.Error())
	case errors.Is(err, booking.ErrConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, booking.ErrCleanerInUse):
		writeError(w, http.StatusConflict, "cleaner_in_use", err.Error())
	case errors.Is(err, payments.ErrIssuerDisabled):
		writeError(w, http.StatusServiceUnavailable, "payment_links_disabled", err.Error())
	case errors.Is(err, recurrence.ErrConfiguration):
		writeError(w, http.StatusBadRequest, "invalid_recurrence", err.Error())
	case errors.Is(err, booking.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// Customers / cleaners

func createCustomerHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateCustomerRequest
		if !decodeBody(w, r, &req) {
			return
		}

		c, err := svc.CreateCustomer(r.Context(), req.Name, req.Phone, req.Email)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, customerResponse(c))
	}
}

func listCustomersHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)

		customers, err := svc.ListCustomers(r.Context(), limit, offset)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		out := make([]CustomerResponse, 0, len(customers))
		for i := range customers {
			out = append(out, customerResponse(&customers[i]))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func createCleanerHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateCleanerRequest
		if !decodeBody(w, r, &req) {
			return
		}

		c, err := svc.CreateCleaner(r.Context(), req.Name, req.Phone)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cleanerResponse(c))
	}
}

func listCleanersHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cleaners, err := svc.ListCleaners(r.Context(), r.URL.Query().Get("active") == "true")
		if err != nil {
			handleDomainError(w, err)
			return
		}

		out := make([]CleanerResponse, 0, len(cleaners))
		for i := range cleaners {
			out = append(out, cleanerResponse(&cleaners[i]))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func deactivateCleanerHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		if err := svc.DeactivateCleaner(r.Context(), id); err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Series

func seriesParams(w http.ResponseWriter, req CreateSeriesRequest) (booking.CreateSeriesParams, bool) {
	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_customer_id", "customer_id must be a valid UUID")
		return booking.CreateSeriesParams{}, false
	}

	var until *time.Time
	if req.UntilDate != nil {
		d, err := time.Parse("2006-01-02", *req.UntilDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_until_date", "until_date must be YYYY-MM-DD")
			return booking.CreateSeriesParams{}, false
		}
		until = &d
	}

	return booking.CreateSeriesParams{
		CustomerID:      customerID,
		Title:           req.Title,
		Timezone:        req.Timezone,
		StartsAt:        req.StartsAt,
		DurationMinutes: req.DurationMinutes,
		RuleText:        req.RRule,
		Until:           until,
		Count:           req.OccurrenceCount,
		Notes:           req.Notes,
	}, true
}

func createSeriesHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSeriesRequest
		if !decodeBody(w, r, &req) {
			return
		}

		params, ok := seriesParams(w, req)
		if !ok {
			return
		}

		s, err := svc.CreateSeries(r.Context(), params)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, seriesResponse(s))
	}
}

func getSeriesHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		s, err := svc.GetSeries(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, seriesResponse(s))
	}
}

func updateSeriesHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req CreateSeriesRequest
		if !decodeBody(w, r, &req) {
			return
		}

		params, ok := seriesParams(w, req)
		if !ok {
			return
		}

		s, err := svc.UpdateSeriesSchedule(r.Context(), id, params)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, seriesResponse(s))
	}
}

func setSeriesStatusHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req SetSeriesStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}

		s, err := svc.SetSeriesStatus(r.Context(), id, booking.SeriesStatus(req.Status))
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, seriesResponse(s))
	}
}

func attachLocationHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req AttachLocationRequest
		if !decodeBody(w, r, &req) {
			return
		}

		s, err := svc.AttachLocation(r.Context(), id, req.Address)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, seriesResponse(s))
	}
}

// Occurrences

// listOccurrencesHandler drives the calendar, dispatch, and map views: it
// materializes the visible window before answering, so newly-visible
// windows are complete on first render.
func listOccurrencesHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
			return
		}
		to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
			return
		}

		q := booking.WindowQuery{
			From:             from,
			To:               to,
			ExcludeCancelled: r.URL.Query().Get("exclude_cancelled") == "true",
		}
		if v := r.URL.Query().Get("series_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_series_id", "series_id must be a valid UUID")
				return
			}
			q.SeriesID = &id
		}
		if v := r.URL.Query().Get("cleaner_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_cleaner_id", "cleaner_id must be a valid UUID")
				return
			}
			q.CleanerID = &id
		}

		details, err := svc.EnsureWindow(r.Context(), q)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		out := make([]OccurrenceDetailResponse, 0, len(details))
		for _, d := range details {
			out = append(out, occurrenceDetailResponse(d))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func rescheduleHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req RescheduleRequest
		if !decodeBody(w, r, &req) {
			return
		}

		occ, err := svc.Reschedule(r.Context(), id, req.StartAt, req.EndAt)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, occurrenceResponse(occ))
	}
}

func setOccurrenceStatusHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req SetStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}

		occ, err := svc.SetOccurrenceStatus(r.Context(), id, booking.OccurrenceStatus(req.Status))
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, occurrenceResponse(occ))
	}
}

func assignHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req AssignRequest
		if !decodeBody(w, r, &req) {
			return
		}

		var cleanerID *uuid.UUID
		if req.CleanerID != nil {
			parsed, err := uuid.Parse(*req.CleanerID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_cleaner_id", "cleaner_id must be a valid UUID or null")
				return
			}
			cleanerID = &parsed
		}

		occ, err := svc.AssignCleaner(r.Context(), id, cleanerID)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, occurrenceResponse(occ))
	}
}

func paymentLinkHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req PaymentLinkRequest
		if !decodeBody(w, r, &req) {
			return
		}

		link, err := svc.IssuePaymentLink(r.Context(), id, req.AmountCents, req.Description)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, link)
	}
}

// External collaborators

func geocodeHandler(geocoder geo.Geocoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			writeError(w, http.StatusBadRequest, "missing_query", "q is required")
			return
		}

		candidates, err := geocoder.Lookup(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusBadGateway, "geocoder_unavailable", err.Error())
			return
		}
		if candidates == nil {
			candidates = []geo.Candidate{}
		}
		writeJSON(w, http.StatusOK, candidates)
	}
}

// paymentWebhookHandler accepts the processor's callback. The signature is
// checked against the raw body before any JSON parsing.
func paymentWebhookHandler(svc *booking.Service, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}

		if !payments.VerifySignature(secret, body, r.Header.Get("X-Payment-Signature")) {
			writeError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature mismatch")
			return
		}

		var ev payments.WebhookEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		occ, err := svc.HandlePaymentEvent(r.Context(), ev)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, occurrenceResponse(occ))
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
