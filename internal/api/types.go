package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/tidyops/recurring-booking-service/internal/booking"
)

type CreateCustomerRequest struct {
	Name  string  `json:"name"`
	Phone *string `json:"phone,omitempty"`
	Email *string `json:"email,omitempty"`
}

type CreateCleanerRequest struct {
	Name  string  `json:"name"`
	Phone *string `json:"phone,omitempty"`
}

type CreateSeriesRequest struct {
	CustomerID      string    `json:"customer_id"`
	Title           string    `json:"title"`
	Timezone        string    `json:"timezone"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	RRule           string    `json:"rrule,omitempty"`
	UntilDate       *string   `json:"until_date,omitempty"` // YYYY-MM-DD
	OccurrenceCount *int      `json:"occurrence_count,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
}

type SetSeriesStatusRequest struct {
	Status string `json:"status"`
}

type AttachLocationRequest struct {
	Address string `json:"address"`
}

type RescheduleRequest struct {
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type AssignRequest struct {
	CleanerID *string `json:"cleaner_id"` // null clears the assignment
}

type PaymentLinkRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

type CustomerResponse struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone *string   `json:"phone,omitempty"`
	Email *string   `json:"email,omitempty"`
}

type CleanerResponse struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Phone  *string   `json:"phone,omitempty"`
	Active bool      `json:"active"`
}

type SeriesResponse struct {
	ID              uuid.UUID `json:"id"`
	CustomerID      uuid.UUID `json:"customer_id"`
	Title           string    `json:"title"`
	Timezone        string    `json:"timezone"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	RRule           string    `json:"rrule,omitempty"`
	UntilDate       *string   `json:"until_date,omitempty"`
	OccurrenceCount *int      `json:"occurrence_count,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	Status          string    `json:"status"`
	LocationLabel   *string   `json:"location_label,omitempty"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
}

type OccurrenceResponse struct {
	ID              uuid.UUID  `json:"id"`
	SeriesID        uuid.UUID  `json:"series_id"`
	StartAt         time.Time  `json:"start_at"`
	EndAt           time.Time  `json:"end_at"`
	OriginalStartAt *time.Time `json:"original_start_at,omitempty"`
	Status          string     `json:"status"`
	CleanerID       *uuid.UUID `json:"cleaner_id,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
}

type OccurrenceDetailResponse struct {
	OccurrenceResponse
	SeriesTitle   string    `json:"series_title"`
	Timezone      string    `json:"timezone"`
	CustomerID    uuid.UUID `json:"customer_id"`
	CustomerName  string    `json:"customer_name"`
	CleanerName   *string   `json:"cleaner_name,omitempty"`
	LocationLabel *string   `json:"location_label,omitempty"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func customerResponse(c *booking.Customer) CustomerResponse {
	return CustomerResponse{ID: c.ID, Name: c.Name, Phone: c.Phone, Email: c.Email}
}

func cleanerResponse(c *booking.Cleaner) CleanerResponse {
	return CleanerResponse{ID: c.ID, Name: c.Name, Phone: c.Phone, Active: c.Active}
}

func seriesResponse(s *booking.Series) SeriesResponse {
	resp := SeriesResponse{
		ID:              s.ID,
		CustomerID:      s.CustomerID,
		Title:           s.Title,
		Timezone:        s.Timezone,
		StartsAt:        s.StartsAt,
		DurationMinutes: s.DurationMinutes,
		Notes:           s.Notes,
		Status:          string(s.Status),
		LocationLabel:   s.LocationLabel,
		Latitude:        s.Latitude,
		Longitude:       s.Longitude,
	}
	if s.Rule != nil {
		resp.RRule = s.Rule.String()
		if s.Rule.Until != nil {
			d := s.Rule.Until.Format("2006-01-02")
			resp.UntilDate = &d
		}
		resp.OccurrenceCount = s.Rule.Count
	}
	return resp
}

func occurrenceResponse(o *booking.Occurrence) OccurrenceResponse {
	return OccurrenceResponse{
		ID:              o.ID,
		SeriesID:        o.SeriesID,
		StartAt:         o.StartAt,
		EndAt:           o.EndAt,
		OriginalStartAt: o.OriginalStartAt,
		Status:          string(o.Status),
		CleanerID:       o.CleanerID,
		Notes:           o.Notes,
		PaidAt:          o.PaidAt,
	}
}

func occurrenceDetailResponse(d booking.OccurrenceDetail) OccurrenceDetailResponse {
	resp := OccurrenceDetailResponse{
		OccurrenceResponse: occurrenceResponse(&d.Occurrence),
	}
	if d.Series != nil {
		resp.SeriesTitle = d.Series.Title
		resp.Timezone = d.Series.Timezone
		resp.CustomerID = d.Series.CustomerID
		resp.LocationLabel = d.Series.LocationLabel
		resp.Latitude = d.Series.Latitude
		resp.Longitude = d.Series.Longitude
	}
	if d.Customer != nil {
		resp.CustomerName = d.Customer.Name
	}
	if d.Cleaner != nil {
		resp.CleanerName = &d.Cleaner.Name
	}
	return resp
}
