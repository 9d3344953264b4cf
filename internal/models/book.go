package models

import "time"

// Book is the catalogue entry whose stock the circulation engine adjusts.
type Book struct {
	ID                int64     `json:"id" db:"id"`
	Title             string    `json:"title" db:"title"`
	Author            string    `json:"author" db:"author"`
	ISBN              string    `json:"isbn" db:"isbn"`
	Quantity          int       `json:"quantity" db:"quantity"`
	AvailableQuantity int       `json:"availableQuantity" db:"available_quantity"`
	IsDeleted         bool      `json:"isDeleted" db:"is_deleted"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}
