package appstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Review is a user review fetched from the App Store.
type Review struct {
	ID                int64              `json:"id"`
	Date              time.Time          `json:"date"`
	UserName          string             `json:"user_name"`
	Title             string             `json:"title"`
	Content           string             `json:"content"`
	Rating            int                `json:"rating"`
	IsEdited          bool               `json:"is_edited"`
	DeveloperResponse *DeveloperResponse `json:"developer_response,omitempty"`
}

// DeveloperResponse is an app developer's reply to a review.
type DeveloperResponse struct {
	ID       int64     `json:"id"`
	Body     string    `json:"body"`
	Modified time.Time `json:"modified"`
}

// Equal reports whether two reviews carry the same data.
func (r Review) Equal(other Review) bool {
	if r.ID != other.ID ||
		!r.Date.Equal(other.Date) ||
		r.UserName != other.UserName ||
		r.Title != other.Title ||
		r.Content != other.Content ||
		r.Rating != other.Rating ||
		r.IsEdited != other.IsEdited {
		return false
	}
	return r.DeveloperResponse.Equal(other.DeveloperResponse)
}

// Equal reports whether two responses carry the same data. Two nil
// responses are equal.
func (d *DeveloperResponse) Equal(other *DeveloperResponse) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.ID == other.ID && d.Body == other.Body && d.Modified.Equal(other.Modified)
}

// reviewItem is the wire shape of one entry in a reviews page.
type reviewItem struct {
	ID         flexID `json:"id"`
	Attributes struct {
		Date              string               `json:"date"`
		UserName          string               `json:"userName"`
		Title             string               `json:"title"`
		Review            string               `json:"review"`
		Rating            int                  `json:"rating"`
		IsEdited          bool                 `json:"isEdited"`
		DeveloperResponse *developerResponseItem `json:"developerResponse"`
	} `json:"attributes"`
}

type developerResponseItem struct {
	ID       flexID `json:"id"`
	Body     string `json:"body"`
	Modified string `json:"modified"`
}

// reviewsPage is the wire shape of a reviews API response. Items stay raw
// so that each one is decoded only when the consumer reaches it.
type reviewsPage struct {
	Next *string           `json:"next"`
	Data []json.RawMessage `json:"data"`
}

// decodeReview maps one raw API item to a Review.
func decodeReview(raw json.RawMessage) (Review, error) {
	var item reviewItem
	if err := decodeJSON(raw, &item); err != nil {
		return Review{}, fmt.Errorf("decode review: %w", err)
	}

	date, err := parseTimestamp(item.Attributes.Date)
	if err != nil {
		return Review{}, fmt.Errorf("review %d: date: %w", item.ID, err)
	}

	review := Review{
		ID:       int64(item.ID),
		Date:     date,
		UserName: item.Attributes.UserName,
		Title:    item.Attributes.Title,
		Content:  item.Attributes.Review,
		Rating:   item.Attributes.Rating,
		IsEdited: item.Attributes.IsEdited,
	}

	if dr := item.Attributes.DeveloperResponse; dr != nil {
		modified, err := parseTimestamp(dr.Modified)
		if err != nil {
			return Review{}, fmt.Errorf("review %d: developer response modified: %w", item.ID, err)
		}
		review.DeveloperResponse = &DeveloperResponse{
			ID:       int64(dr.ID),
			Body:     dr.Body,
			Modified: modified,
		}
	}

	return review, nil
}

// zonelessLayout covers timestamps without an offset, read as UTC.
const zonelessLayout = "2006-01-02T15:04:05.999999999"

// parseTimestamp parses an ISO 8601 timestamp (with "Z", an offset, or no
// zone at all) and returns it in UTC.
func parseTimestamp(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(zonelessLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
	}
	return t, nil
}

// flexID accepts identifiers encoded as JSON numbers or numeric strings.
type flexID int64

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	*f = flexID(n)
	return nil
}

func decodeJSON(data []byte, out any) error {
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
