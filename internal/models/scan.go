package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the fixed, sortable text form of a capture time
// Used on disk, on the wire and in the remote table
const TimestampLayout = "2006-01-02 15:04:05"

// ScanRecord is one barcode read at a station
// ID is assigned once at capture and is the only join key between the kiosk queue and the remote table
type ScanRecord struct {
	ID         string
	Barcode    string
	CapturedAt time.Time
	SiteID     string
}

// NewScanRecord stamps a fresh record for a barcode read at site
func NewScanRecord(barcode, siteID string, now time.Time) ScanRecord {
	return ScanRecord{
		ID:         uuid.NewString(),
		Barcode:    barcode,
		CapturedAt: now.Truncate(time.Second),
		SiteID:     siteID,
	}
}

// Timestamp renders CapturedAt in TimestampLayout
func (r ScanRecord) Timestamp() string {
	return r.CapturedAt.Format(TimestampLayout)
}

// Wire converts the record to its upload form
func (r ScanRecord) Wire() WireRecord {
	return WireRecord{
		ID:        r.ID,
		Barcode:   r.Barcode,
		Timestamp: r.Timestamp(),
		SiteID:    r.SiteID,
	}
}

// ParseTimestamp reads a TimestampLayout value in the local zone
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// ScanRow is a persisted row of the remote scan table
type ScanRow struct {
	ID         string    `json:"id"`
	Barcode    string    `json:"barcode"`
	CapturedAt time.Time `json:"-"`
	SiteID     string    `json:"site_id"`
}

// Wire renders a stored row the same way the kiosk sent it
func (r ScanRow) Wire() WireRecord {
	return WireRecord{
		ID:        r.ID,
		Barcode:   r.Barcode,
		Timestamp: r.CapturedAt.Format(TimestampLayout),
		SiteID:    r.SiteID,
	}
}
