package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the terminal outcome recorded for a download.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// UnmarshalJSON implements json.Unmarshaler to normalize status to lowercase.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := Status(strings.ToLower(raw))
	switch normalized {
	case StatusSuccess, StatusFailed, StatusCancelled:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid status: %s (must be success, failed, or cancelled)", raw)
	}
}

// RateWindow is the admission counter for one user.
type RateWindow struct {
	User   string `json:"user"`
	Window int64  `json:"window"` // epoch hour
	Count  int    `json:"count"`
}

// Record is one entry of the download log.
type Record struct {
	User         string        `json:"user"`
	URL          string        `json:"url"`
	Title        string        `json:"title,omitempty"`
	Platform     string        `json:"platform,omitempty"`
	Kind         string        `json:"kind"`
	FileSize     int64         `json:"file_size"`
	Elapsed      time.Duration `json:"elapsed"`
	Status       Status        `json:"status"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// UserStats aggregates the download log for one user.
type UserStats struct {
	User      string    `json:"user"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Bytes     int64     `json:"bytes"`
	LastAt    time.Time `json:"last_at,omitempty"`
}

// Add folds rec into the aggregate.
func (u *UserStats) Add(rec Record) {
	u.Total++
	switch rec.Status {
	case StatusSuccess:
		u.Succeeded++
		u.Bytes += rec.FileSize
	case StatusCancelled:
		u.Cancelled++
	default:
		u.Failed++
	}
	if rec.CreatedAt.After(u.LastAt) {
		u.LastAt = rec.CreatedAt
	}
}

// GlobalStats aggregates the download log across every user. The Recent
// counters only see records still retained in the per-user logs.
type GlobalStats struct {
	Users           int       `json:"users"`
	Total           int       `json:"total"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	Cancelled       int       `json:"cancelled"`
	Bytes           int64     `json:"bytes"`
	Since           time.Time `json:"since"`
	RecentTotal     int       `json:"recent_total"`
	RecentSucceeded int       `json:"recent_succeeded"`
}

// AddUser folds one user's counters into the aggregate.
func (g *GlobalStats) AddUser(u *UserStats) {
	if u == nil || u.Total == 0 {
		return
	}
	g.Users++
	g.Total += u.Total
	g.Succeeded += u.Succeeded
	g.Failed += u.Failed
	g.Cancelled += u.Cancelled
	g.Bytes += u.Bytes
}

// AddRecent counts rec when it was created at or after Since.
func (g *GlobalStats) AddRecent(rec Record) {
	if rec.CreatedAt.Before(g.Since) {
		return
	}
	g.RecentTotal++
	if rec.Status == StatusSuccess {
		g.RecentSucceeded++
	}
}
