package domain

import (
	"slices"
	"time"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Actor is the principal performing an operation. It is passed explicitly into
// every ledger and payment mutation and forwarded to the audit log.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SystemActor is used by scheduled jobs.
var SystemActor = Actor{ID: "system", Name: "scheduler"}

// Scope is the pre-filtered visibility set handed over by the authorization
// collaborator. The ledger never derives it from roles.
type Scope struct {
	All        bool     `json:"all"`
	StudentIDs []string `json:"student_ids,omitempty"`
}

// FullScope sees every invoice and payment.
var FullScope = Scope{All: true}

// AllowsStudent reports whether records of the given student are visible.
func (s Scope) AllowsStudent(studentID string) bool {
	if s.All {
		return true
	}
	return slices.Contains(s.StudentIDs, studentID)
}

// RequireAll fails with ErrForbidden unless the scope sees every student.
func (s Scope) RequireAll(action string) error {
	if !s.All {
		return &ErrForbidden{Action: action}
	}
	return nil
}

// Day truncates a timestamp to its calendar date, expressed at 00:00 UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayIn returns the calendar date of t as observed in loc.
func DayIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return Day(t.In(loc))
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, &ErrValidation{Field: field, Message: "expected date as YYYY-MM-DD"}
	}
	return t, nil
}

// DaysBetween returns the whole number of days from a to b (both calendar dates).
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// BatchFailure is one failed element of a batch operation.
type BatchFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// BatchResult collects per-element outcomes of a batch operation instead of
// aborting on the first failure.
type BatchResult struct {
	Succeeded []string       `json:"succeeded"`
	Skipped   []string       `json:"skipped,omitempty"`
	Failed    []BatchFailure `json:"failed"`
}

// Fail records a failed element.
func (r *BatchResult) Fail(key string, err error) {
	r.Failed = append(r.Failed, BatchFailure{Key: key, Error: err.Error()})
}
