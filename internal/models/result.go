package models

import "time"

type Status string

const (
	StatusOK            Status = "ok"
	StatusNotFound      Status = "not_found"
	StatusStale         Status = "stale"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusSkipped       Status = "skipped"
	StatusError         Status = "error"
)

// Result is the outcome of resolving one product name. A nil Record means
// no data is available; Stale marks an expired cache entry served because a
// fresh lookup was not possible.
type Result struct {
	Query         string              `json:"query"`
	Key           string              `json:"key,omitempty"`
	Status        Status              `json:"status"`
	Record        *ProductPriceRecord `json:"record,omitempty"`
	Stale         bool                `json:"stale,omitempty"`
	QuotaExceeded bool                `json:"quotaExceeded,omitempty"`
	Error         string              `json:"error,omitempty"`
}

func (r Result) HasData() bool {
	return r.Record != nil
}

func (r Result) IsEstimate() bool {
	return r.Record != nil && r.Record.PriceSource == SourceEstimate
}

type QuotaStatus struct {
	UsedToday int       `json:"usedToday"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
}

func (q QuotaStatus) Remaining() int {
	if q.UsedToday >= q.Limit {
		return 0
	}
	return q.Limit - q.UsedToday
}

type ClientSchedule struct {
	AssignedWeekday time.Weekday `json:"assignedWeekday"`
	IsToday         bool         `json:"isToday"`
}
