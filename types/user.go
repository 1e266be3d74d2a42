package types

import "time"

// DefaultProfilePicture is stored when a record is created without an upload.
const DefaultProfilePicture = "default-profile.png"

// DateLayout is the wire format of DateOfBirth in HTML forms.
const DateLayout = "2006-01-02"

// User represents a managed person record.
// It contains identity, contact details, and audit metadata.
type User struct {
	// ID is the opaque identifier assigned by the store.
	ID string `json:"id" bson:"-" db:"id"`

	// FirstName and LastName are required; records are listed by LastName.
	FirstName string `json:"firstName" bson:"firstName" db:"first_name"`
	LastName  string `json:"lastName" bson:"lastName" db:"last_name"`

	// ProfilePicture is the stored filename of the uploaded picture,
	// or DefaultProfilePicture.
	ProfilePicture string `json:"profilePicture" bson:"profilePicture" db:"profile_picture"`

	DateOfBirth time.Time `json:"dateOfBirth" bson:"dateOfBirth" db:"date_of_birth"`

	Address1    string `json:"address1" bson:"address1" db:"address1"`
	Address2    string `json:"address2,omitempty" bson:"address2,omitempty" db:"address2"`
	City        string `json:"city" bson:"city" db:"city"`
	PostalCode  string `json:"postalCode" bson:"postalCode" db:"postal_code"`
	Country     string `json:"country" bson:"country" db:"country"`
	PhoneNumber string `json:"phoneNumber" bson:"phoneNumber" db:"phone_number"`

	// Email is stored lower-cased and is unique across all records.
	Email string `json:"email" bson:"email" db:"email"`

	Notes string `json:"notes,omitempty" bson:"notes,omitempty" db:"notes"`

	// CreatedAt is the timestamp when the record was created.
	CreatedAt time.Time `json:"createdAt" bson:"createdAt" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent mutation.
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt" db:"updated_at"`
}

// UserInput carries form values exactly as submitted, so a rejected form can
// be rendered again with what the user typed.
type UserInput struct {
	ID          string
	FirstName   string
	LastName    string
	DateOfBirth string
	Address1    string
	Address2    string
	City        string
	PostalCode  string
	Country     string
	PhoneNumber string
	Email       string
	Notes       string

	// ProfilePicture is only used for display on the edit form.
	ProfilePicture string
}

// InputFromUser converts a stored record into form values.
func InputFromUser(u User) UserInput {
	dob := ""
	if !u.DateOfBirth.IsZero() {
		dob = u.DateOfBirth.UTC().Format(DateLayout)
	}
	return UserInput{
		ID:             u.ID,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		DateOfBirth:    dob,
		Address1:       u.Address1,
		Address2:       u.Address2,
		City:           u.City,
		PostalCode:     u.PostalCode,
		Country:        u.Country,
		PhoneNumber:    u.PhoneNumber,
		Email:          u.Email,
		Notes:          u.Notes,
		ProfilePicture: u.ProfilePicture,
	}
}
