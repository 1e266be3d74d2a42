package handlers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usermgmt/server/internal/services"
	"github.com/usermgmt/server/internal/storage"
	"github.com/usermgmt/server/internal/store"
	"github.com/usermgmt/server/internal/upload"
	"github.com/usermgmt/server/internal/web"
	"github.com/usermgmt/server/types"
)

// fakeRepo behaves like a store with a unique email index. Valid ids start with "u".
type fakeRepo struct {
	mu    sync.Mutex
	seq   int
	users map[string]types.User
}

func (f *fakeRepo) valid(id string) error {
	if !strings.HasPrefix(id, "u") {
		return store.ErrInvalidID
	}
	return nil
}

func (f *fakeRepo) List(context.Context) ([]types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastName < out[j].LastName })
	return out, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (types.User, error) {
	if err := f.valid(id); err != nil {
		return types.User{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeRepo) EmailExists(_ context.Context, email, excludeID string) (bool, error) {
	if excludeID != "" {
		if err := f.valid(excludeID); err != nil {
			return false, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, u := range f.users {
		if u.Email == email && id != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) Create(_ context.Context, user types.User) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	user.ID = fmt.Sprintf("u%d", f.seq)
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeRepo) Update(_ context.Context, id string, user types.User, keepPicture bool) (types.User, string, error) {
	if err := f.valid(id); err != nil {
		return types.User{}, "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.users[id]
	if !ok {
		return types.User{}, "", store.ErrNotFound
	}
	user.ID = id
	replaced := ""
	if keepPicture {
		user.ProfilePicture = current.ProfilePicture
	} else if current.ProfilePicture != user.ProfilePicture {
		replaced = current.ProfilePicture
	}
	f.users[id] = user
	return user, replaced, nil
}

func (f *fakeRepo) Delete(_ context.Context, id string) error {
	if err := f.valid(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.users, id)
	return nil
}

type testApp struct {
	router http.Handler
	repo   *fakeRepo
	dir    string
}

func newTestApp(t *testing.T, mutate ...func(*upload.Config)) *testApp {
	t.Helper()
	dir := t.TempDir()

	local, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	files := storage.NewStorage(local)

	cfg := upload.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	uploads, err := upload.New(cfg, files, nil)
	require.NoError(t, err)

	views, err := web.NewRenderer(nil)
	require.NoError(t, err)

	repo := &fakeRepo{users: map[string]types.User{}}
	handler := NewUserHandler(services.NewUserService(repo, nil, nil), uploads, files, views, nil)

	r := chi.NewRouter()
	UserRouter(r, handler)
	return &testApp{router: r, repo: repo, dir: dir}
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testApp) storedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(a.dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (a *testApp) seed(last, email, picture string) types.User {
	a.repo.mu.Lock()
	defer a.repo.mu.Unlock()
	a.repo.seq++
	u := formUser(last, email)
	u.ID = fmt.Sprintf("u%d", a.repo.seq)
	u.ProfilePicture = picture
	a.repo.users[u.ID] = u
	return u
}

func formUser(last, email string) types.User {
	return types.User{
		FirstName:   "Ada",
		LastName:    last,
		Address1:    "1 Main St",
		City:        "London",
		PostalCode:  "N1",
		Country:     "UK",
		PhoneNumber: "555-0100",
		Email:       email,
	}
}

func formValues(last, email string) map[string]string {
	return map[string]string{
		formFieldFirstName:   "Ada",
		formFieldLastName:    last,
		formFieldDateOfBirth: "1990-04-01",
		formFieldAddress1:    "1 Main St",
		formFieldCity:        "London",
		formFieldPostalCode:  "N1",
		formFieldCountry:     "UK",
		formFieldPhoneNumber: "555-0100",
		formFieldEmail:       email,
	}
}

type filePart struct {
	filename    string
	contentType string
	data        []byte
}

func multipartRequest(t *testing.T, target string, fields map[string]string, file *filePart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="profilePicture"; filename=%q`, file.filename))
		h.Set("Content-Type", file.contentType)
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func smallJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil))
	return buf.Bytes()
}

func TestListUsers_SortedByLastName(t *testing.T) {
	app := newTestApp(t)
	app.seed("Smith", "s@example.com", types.DefaultProfilePicture)
	app.seed("Adams", "a@example.com", types.DefaultProfilePicture)

	rec := app.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Less(t, strings.Index(body, "Adams, Ada"), strings.Index(body, "Smith, Ada"))
}

func TestShowAddForm(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(httptest.NewRequest(http.MethodGet, "/add", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `action="/add"`)
}

func TestCreateUser_WithPicture(t *testing.T) {
	app := newTestApp(t)

	req := multipartRequest(t, "/add", formValues("Lovelace", " Ada@Example.com "),
		&filePart{"photo.jpg", "image/jpeg", smallJPEG(t)})
	rec := app.do(req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	users, _ := app.repo.List(context.Background())
	require.Len(t, users, 1)
	assert.Equal(t, "ada@example.com", users[0].Email)
	assert.True(t, strings.HasPrefix(users[0].ProfilePicture, "profilePicture-"), users[0].ProfilePicture)
	assert.Equal(t, []string{users[0].ProfilePicture}, app.storedFiles(t))
}

func TestCreateUser_URLEncodedUsesDefaultPicture(t *testing.T) {
	app := newTestApp(t)

	form := url.Values{}
	for k, v := range formValues("Lovelace", "ada@example.com") {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "/add", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := app.do(req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	users, _ := app.repo.List(context.Background())
	require.Len(t, users, 1)
	assert.Equal(t, types.DefaultProfilePicture, users[0].ProfilePicture)
}

func TestCreateUser_RejectsExecutable(t *testing.T) {
	app := newTestApp(t)

	req := multipartRequest(t, "/add", formValues("Lovelace", "ada@example.com"),
		&filePart{"photo.exe", "application/octet-stream", []byte("MZ")})
	rec := app.do(req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "Only image files are allowed")
	assert.Contains(t, rec.Body.String(), `value="ada@example.com"`)
	assert.Empty(t, app.repo.users)
	assert.Empty(t, app.storedFiles(t))
}

func TestCreateUser_DuplicateEmailKeepsInputAndRemovesFile(t *testing.T) {
	app := newTestApp(t)
	app.seed("Smith", "a@x.com", types.DefaultProfilePicture)

	req := multipartRequest(t, "/add", formValues("Jones", "A@x.com"),
		&filePart{"me.jpg", "image/jpeg", smallJPEG(t)})
	rec := app.do(req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, services.MsgEmailTaken)
	assert.Contains(t, body, `value="Jones"`)
	assert.Len(t, app.repo.users, 1)
	assert.Empty(t, app.storedFiles(t))
}

func TestCreateUser_ValidationErrors(t *testing.T) {
	app := newTestApp(t)
	fields := formValues("", "not-an-email")

	rec := app.do(multipartRequest(t, "/add", fields, nil))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "Last name is required")
	assert.Contains(t, rec.Body.String(), "Please enter a valid email")
}

func TestCreateUser_BodyOverLimit(t *testing.T) {
	app := newTestApp(t, func(c *upload.Config) { c.MaxBytes = 1024 })

	big := append(smallJPEG(t), make([]byte, 2<<20)...)
	rec := app.do(multipartRequest(t, "/add", formValues("Lovelace", "ada@example.com"),
		&filePart{"photo.jpg", "image/jpeg", big}))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Profile picture must be")
	assert.Contains(t, body, `value="Lovelace"`)
	assert.Contains(t, body, `value="ada@example.com"`)
	assert.Empty(t, app.repo.users)
	assert.Empty(t, app.storedFiles(t))
}

func TestCreateUser_FileOverLimitWithinBody(t *testing.T) {
	app := newTestApp(t, func(c *upload.Config) { c.MaxBytes = 1024 })

	big := append(smallJPEG(t), make([]byte, 1500)...)
	rec := app.do(multipartRequest(t, "/add", formValues("Lovelace", "ada@example.com"),
		&filePart{"photo.jpg", "image/jpeg", big}))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "Profile picture must be 1024 bytes or smaller")
	assert.Contains(t, rec.Body.String(), `value="Lovelace"`)
	assert.Empty(t, app.repo.users)
}

func TestCreateUser_PNGNamedJPGStoredAsPNG(t *testing.T) {
	app := newTestApp(t)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	rec := app.do(multipartRequest(t, "/add", formValues("Lovelace", "ada@example.com"),
		&filePart{"x.jpg", "image/png", buf.Bytes()}))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	users, _ := app.repo.List(context.Background())
	require.Len(t, users, 1)
	name := users[0].ProfilePicture
	assert.True(t, strings.HasSuffix(name, ".png"), name)

	rec = app.do(httptest.NewRequest(http.MethodGet, "/uploads/"+name, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestShowEditForm(t *testing.T) {
	app := newTestApp(t)
	u := app.seed("Lovelace", "ada@example.com", types.DefaultProfilePicture)

	rec := app.do(httptest.NewRequest(http.MethodGet, "/edit/"+u.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `action="/edit/`+u.ID+`"`)
	assert.Contains(t, rec.Body.String(), `value="ada@example.com"`)

	rec = app.do(httptest.NewRequest(http.MethodGet, "/edit/u404", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "User not found")

	rec = app.do(httptest.NewRequest(http.MethodGet, "/edit/not-an-id", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to retrieve user")
}

func TestUpdateUser_OwnEmailKeepsPicture(t *testing.T) {
	app := newTestApp(t)
	u := app.seed("Lovelace", "ada@example.com", "profilePicture-1-A.jpg")

	fields := formValues("Byron", "ADA@example.com")
	rec := app.do(multipartRequest(t, "/edit/"+u.ID, fields, nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	got := app.repo.users[u.ID]
	assert.Equal(t, "Byron", got.LastName)
	assert.Equal(t, "profilePicture-1-A.jpg", got.ProfilePicture)
}

func TestUpdateUser_NewPictureReplacesOld(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(multipartRequest(t, "/add", formValues("Lovelace", "ada@example.com"),
		&filePart{"one.jpg", "image/jpeg", smallJPEG(t)}))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	users, _ := app.repo.List(context.Background())
	require.Len(t, users, 1)
	old := users[0].ProfilePicture

	rec = app.do(multipartRequest(t, "/edit/"+users[0].ID, formValues("Lovelace", "ada@example.com"),
		&filePart{"two.jpg", "image/jpeg", smallJPEG(t)}))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	current := app.repo.users[users[0].ID].ProfilePicture
	assert.NotEqual(t, old, current)
	assert.Equal(t, []string{current}, app.storedFiles(t))
}

func TestUpdateUser_BodyOverLimitKeepsInputAndPicture(t *testing.T) {
	app := newTestApp(t, func(c *upload.Config) { c.MaxBytes = 1024 })
	u := app.seed("Lovelace", "ada@example.com", "profilePicture-1-A.jpg")

	big := append(smallJPEG(t), make([]byte, 2<<20)...)
	rec := app.do(multipartRequest(t, "/edit/"+u.ID, formValues("Byron", "ada@example.com"),
		&filePart{"photo.jpg", "image/jpeg", big}))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `value="Byron"`)
	assert.Contains(t, body, "/uploads/profilePicture-1-A.jpg")
	assert.Contains(t, body, `action="/edit/`+u.ID+`"`)
	assert.Equal(t, "Lovelace", app.repo.users[u.ID].LastName)
}

func TestUpdateUser_Failures(t *testing.T) {
	app := newTestApp(t)
	app.seed("Smith", "taken@example.com", types.DefaultProfilePicture)
	u := app.seed("Lovelace", "ada@example.com", types.DefaultProfilePicture)

	rec := app.do(multipartRequest(t, "/edit/"+u.ID, formValues("Lovelace", "taken@example.com"), nil))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), services.MsgEmailTaken)
	assert.Contains(t, rec.Body.String(), `action="/edit/`+u.ID+`"`)

	rec = app.do(multipartRequest(t, "/edit/u404", formValues("Lovelace", "new@example.com"), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = app.do(multipartRequest(t, "/edit/bad-id", formValues("Lovelace", "new@example.com"), nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to update user")
}

func TestDeleteUser(t *testing.T) {
	app := newTestApp(t)
	u := app.seed("Lovelace", "ada@example.com", types.DefaultProfilePicture)

	rec := app.do(httptest.NewRequest(http.MethodPost, "/delete/"+u.ID, nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Empty(t, app.repo.users)

	rec = app.do(httptest.NewRequest(http.MethodPost, "/delete/"+u.ID, nil))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	rec = app.do(httptest.NewRequest(http.MethodPost, "/delete/garbage", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to delete user")
}

func TestServeUpload(t *testing.T) {
	app := newTestApp(t)
	data := smallJPEG(t)
	require.NoError(t, os.WriteFile(app.dir+"/profilePicture-1-A.jpg", data, 0o644))

	rec := app.do(httptest.NewRequest(http.MethodGet, "/uploads/profilePicture-1-A.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, data, rec.Body.Bytes())

	rec = app.do(httptest.NewRequest(http.MethodGet, "/uploads/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
