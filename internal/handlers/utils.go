package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/usermgmt/server/internal/upload"
	"github.com/usermgmt/server/internal/web"
	"github.com/usermgmt/server/types"
)

const (
	maxFieldBytes = 64 << 10

	formFieldFirstName   = "firstName"
	formFieldLastName    = "lastName"
	formFieldDateOfBirth = "dateOfBirth"
	formFieldAddress1    = "address1"
	formFieldAddress2    = "address2"
	formFieldCity        = "city"
	formFieldPostalCode  = "postalCode"
	formFieldCountry     = "country"
	formFieldPhoneNumber = "phoneNumber"
	formFieldEmail       = "email"
	formFieldNotes       = "notes"
)

var (
	errBodyTooLarge  = errors.New("request body too large")
	errFieldTooLarge = errors.New("form field too large")
)

// parseUserForm streams a multipart or url-encoded body capped at maxBody
// bytes. File parts are buffered by uploads. On error the fields read so far
// are still returned.
func parseUserForm(w http.ResponseWriter, r *http.Request, maxBody int64, uploads *upload.Handler) (types.UserInput, []upload.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	mr, err := r.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
		return userInput(r.PostForm), nil, bodyError(err)
	}
	if err != nil {
		return types.UserInput{}, nil, err
	}

	values := url.Values{}
	var files []upload.File
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return userInput(values), files, nil
		}
		if err != nil {
			return userInput(values), files, bodyError(err)
		}

		if part.FileName() != "" {
			file, err := uploads.ReadPart(part)
			files = append(files, file)
			if err != nil {
				return userInput(values), files, bodyError(err)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		if err != nil {
			return userInput(values), files, bodyError(err)
		}
		if len(data) > maxFieldBytes {
			return userInput(values), files, errFieldTooLarge
		}
		if name := part.FormName(); name != "" {
			values.Add(name, string(data))
		}
	}
}

func userInput(values url.Values) types.UserInput {
	return types.UserInput{
		FirstName:   values.Get(formFieldFirstName),
		LastName:    values.Get(formFieldLastName),
		DateOfBirth: values.Get(formFieldDateOfBirth),
		Address1:    values.Get(formFieldAddress1),
		Address2:    values.Get(formFieldAddress2),
		City:        values.Get(formFieldCity),
		PostalCode:  values.Get(formFieldPostalCode),
		Country:     values.Get(formFieldCountry),
		PhoneNumber: values.Get(formFieldPhoneNumber),
		Email:       values.Get(formFieldEmail),
		Notes:       values.Get(formFieldNotes),
	}
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return errBodyTooLarge
	}
	return err
}

// renderError renders the error view. message is shown to the user as is.
func renderError(views *web.Renderer, w http.ResponseWriter, status int, message string) {
	views.Render(w, status, web.ViewError, web.ErrorPage{Status: status, Message: message})
}

func renderForm(views *web.Renderer, w http.ResponseWriter, status int, view string, input types.UserInput, messages ...string) {
	views.Render(w, status, view, web.FormPage{User: input, Errors: messages})
}
