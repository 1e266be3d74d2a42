package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/usermgmt/server/internal/mq"
	"github.com/usermgmt/server/internal/store"
	"github.com/usermgmt/server/types"
	"go.uber.org/zap"
)

// MsgEmailTaken is reported on the email field when another record owns the address.
const MsgEmailTaken = "Email is already registered"

var emailPattern = regexp.MustCompile(`^\w+([.-]?\w+)*@\w+([.-]?\w+)*(\.\w{2,3})+$`)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	List(ctx context.Context) ([]types.User, error)
	GetByID(ctx context.Context, id string) (types.User, error)
	EmailExists(ctx context.Context, email, excludeID string) (bool, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, id string, user types.User, keepPicture bool) (updated types.User, replaced string, err error)
	Delete(ctx context.Context, id string) error
}

// FieldError is a problem with one submitted form field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError lists every field problem, in form order.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// Messages returns the user-facing messages.
func (e *ValidationError) Messages() []string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return msgs
}

// Has reports whether field has an error.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo   UserRepository
	events *mq.MQ
	logger *zap.Logger
	now    func() time.Time
}

// NewUserService wires the service. events may be nil when publishing is disabled.
func NewUserService(repo UserRepository, events *mq.MQ, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{repo: repo, events: events, logger: logger, now: time.Now}
}

// Normalize trims every field and lower-cases the email.
func Normalize(in types.UserInput) types.UserInput {
	return types.UserInput{
		ID:             strings.TrimSpace(in.ID),
		FirstName:      strings.TrimSpace(in.FirstName),
		LastName:       strings.TrimSpace(in.LastName),
		DateOfBirth:    strings.TrimSpace(in.DateOfBirth),
		Address1:       strings.TrimSpace(in.Address1),
		Address2:       strings.TrimSpace(in.Address2),
		City:           strings.TrimSpace(in.City),
		PostalCode:     strings.TrimSpace(in.PostalCode),
		Country:        strings.TrimSpace(in.Country),
		PhoneNumber:    strings.TrimSpace(in.PhoneNumber),
		Email:          strings.ToLower(strings.TrimSpace(in.Email)),
		Notes:          strings.TrimSpace(in.Notes),
		ProfilePicture: strings.TrimSpace(in.ProfilePicture),
	}
}

// Validate checks normalized input and converts it into a record.
func Validate(in types.UserInput) (types.User, *ValidationError) {
	verr := &ValidationError{}
	required := func(field, value, label string) {
		if value == "" {
			verr.add(field, label+" is required")
		}
	}

	required("firstName", in.FirstName, "First name")
	required("lastName", in.LastName, "Last name")

	var dob time.Time
	if in.DateOfBirth == "" {
		verr.add("dateOfBirth", "Date of birth is required")
	} else {
		parsed, err := time.ParseInLocation(types.DateLayout, in.DateOfBirth, time.UTC)
		if err != nil {
			verr.add("dateOfBirth", "Date of birth must be a valid date")
		}
		dob = parsed
	}

	required("address1", in.Address1, "Address line 1")
	required("city", in.City, "City")
	required("postalCode", in.PostalCode, "Postal code")
	required("country", in.Country, "Country")
	required("phoneNumber", in.PhoneNumber, "Phone number")

	switch {
	case in.Email == "":
		verr.add("email", "Email is required")
	case !emailPattern.MatchString(in.Email):
		verr.add("email", "Please enter a valid email")
	}

	if len(verr.Fields) > 0 {
		return types.User{}, verr
	}

	return types.User{
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		DateOfBirth: dob,
		Address1:    in.Address1,
		Address2:    in.Address2,
		City:        in.City,
		PostalCode:  in.PostalCode,
		Country:     in.Country,
		PhoneNumber: in.PhoneNumber,
		Email:       in.Email,
		Notes:       in.Notes,
	}, nil
}

func (s *UserService) List(ctx context.Context) ([]types.User, error) {
	return s.repo.List(ctx)
}

func (s *UserService) Get(ctx context.Context, id string) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

// Create validates input and stores a new record. picture is the stored
// upload name, or "" for the default picture.
func (s *UserService) Create(ctx context.Context, in types.UserInput, picture string) (types.User, error) {
	user, verr := Validate(Normalize(in))
	if verr != nil {
		return types.User{}, verr
	}

	if err := s.checkEmail(ctx, user.Email, ""); err != nil {
		return types.User{}, err
	}

	user.ProfilePicture = picture
	if user.ProfilePicture == "" {
		user.ProfilePicture = types.DefaultProfilePicture
	}

	created, err := s.repo.Create(ctx, user)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return types.User{}, emailTaken()
		}
		return types.User{}, fmt.Errorf("create user: %w", err)
	}

	s.publish(ctx, mq.UserCreated, created.ID, created.Email)
	return created, nil
}

// Update replaces the record's fields. An empty picture keeps the stored one.
// replaced names the picture the write overwrote so the caller can remove it.
func (s *UserService) Update(ctx context.Context, id string, in types.UserInput, picture string) (types.User, string, error) {
	user, verr := Validate(Normalize(in))
	if verr != nil {
		return types.User{}, "", verr
	}

	if err := s.checkEmail(ctx, user.Email, id); err != nil {
		return types.User{}, "", err
	}

	user.ProfilePicture = picture
	updated, replaced, err := s.repo.Update(ctx, id, user, picture == "")
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateEmail):
			return types.User{}, "", emailTaken()
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidID):
			return types.User{}, "", err
		}
		return types.User{}, "", fmt.Errorf("update user %s: %w", id, err)
	}

	s.publish(ctx, mq.UserUpdated, updated.ID, updated.Email)
	return updated, replaced, nil
}

// Delete removes the record. Deleting an absent record is not an error.
func (s *UserService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	s.publish(ctx, mq.UserDeleted, id, "")
	return nil
}

func (s *UserService) checkEmail(ctx context.Context, email, excludeID string) error {
	exists, err := s.repo.EmailExists(ctx, email, excludeID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidID) {
			return err
		}
		return fmt.Errorf("check email: %w", err)
	}
	if exists {
		return emailTaken()
	}
	return nil
}

func (s *UserService) publish(ctx context.Context, typ mq.EventType, id, email string) {
	if s.events == nil {
		return
	}
	evt := mq.UserEvent{Type: typ, UserID: id, Email: email, At: s.now().UTC()}
	if _, err := s.events.PublishUserEvent(ctx, evt); err != nil {
		s.logger.Warn("publish user event failed",
			zap.String("type", string(typ)),
			zap.String("user_id", id),
			zap.Error(err))
	}
}

func emailTaken() *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: "email", Message: MsgEmailTaken}}}
}
