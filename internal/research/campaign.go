package research

import "time"

// Campaign groups the calendars a user has connected. Notifications for a
// campaign go to its owner.
type Campaign struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
