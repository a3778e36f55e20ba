package models

import "time"

// Contact is the minimal view of a contact this core needs for dispatch.
// Full contact management lives outside; phone numbers are stored encrypted.
type Contact struct {
	ID          int64     `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
}
