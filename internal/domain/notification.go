package domain

import "time"

// NotificationType enumerates pipeline events emitted to subscribers.
type NotificationType string

const (
	NotificationDeployStarted   NotificationType = "deploy_started"
	NotificationDeploySuccess   NotificationType = "deploy_success"
	NotificationDeployFailed    NotificationType = "deploy_failed"
	NotificationDeployCancelled NotificationType = "deploy_cancelled"
)

// Notification is a fire-and-forget status event for a build.
type Notification struct {
	Type         NotificationType `json:"type"`
	SiteID       string           `json:"siteId"`
	BuildID      string           `json:"buildId"`
	Status       BuildStatus      `json:"status"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Pagination describes a page of a listing.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewPagination derives page counts for a listing.
func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}
