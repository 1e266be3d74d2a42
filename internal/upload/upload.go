// Package upload validates and stores profile pictures submitted with the
// user forms.
package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usermgmt/server/types"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

const (
	DefaultFieldName = "profilePicture"
	DefaultPrefix    = "profilePicture"
	DefaultMaxBytes  = 5 << 20

	jpegQuality = 85
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file too large")
	ErrTooManyFiles    = errors.New("too many files")
)

// Error is a rejected upload. Message is safe to show to the user.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// Config is the upload policy. It is copied by New and never changes afterwards.
type Config struct {
	// FieldName is the multipart form field carrying the file.
	FieldName string
	// Prefix starts every generated file name.
	Prefix string
	// MaxBytes is the size ceiling for a single file.
	MaxBytes int64
	// AllowedExtensions are lower-case, with the leading dot.
	AllowedExtensions []string
	// AllowedMIMETypes are matched against the declared part Content-Type.
	AllowedMIMETypes []string
	// MaxDimension, when positive, downscales pictures whose width or height
	// exceed it. Zero stores the original bytes.
	MaxDimension int
}

// DefaultConfig returns the profile picture policy: jpeg/jpg/png up to 5 MiB.
func DefaultConfig() Config {
	return Config{
		FieldName:         DefaultFieldName,
		Prefix:            DefaultPrefix,
		MaxBytes:          DefaultMaxBytes,
		AllowedExtensions: []string{".jpeg", ".jpg", ".png"},
		AllowedMIMETypes:  []string{"image/jpeg", "image/jpg", "image/png"},
	}
}

// ObjectStore is where accepted files are written.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Handler accepts at most one picture per request.
type Handler struct {
	cfg    Config
	store  ObjectStore
	logger *zap.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// New validates cfg and returns a Handler writing to store.
func New(cfg Config, store ObjectStore, logger *zap.Logger) (*Handler, error) {
	if store == nil {
		return nil, errors.New("upload store is required")
	}
	if strings.TrimSpace(cfg.FieldName) == "" {
		return nil, errors.New("upload field name is required")
	}
	if cfg.MaxBytes <= 0 {
		return nil, errors.New("upload size limit must be positive")
	}
	if len(cfg.AllowedExtensions) == 0 || len(cfg.AllowedMIMETypes) == 0 {
		return nil, errors.New("upload allow-list is empty")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = cfg.FieldName
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.AllowedExtensions = lowerAll(cfg.AllowedExtensions)
	cfg.AllowedMIMETypes = lowerAll(cfg.AllowedMIMETypes)

	return &Handler{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}, nil
}

// Config returns a copy of the handler's policy.
func (h *Handler) Config() Config {
	cfg := h.cfg
	cfg.AllowedExtensions = slices.Clone(h.cfg.AllowedExtensions)
	cfg.AllowedMIMETypes = slices.Clone(h.cfg.AllowedMIMETypes)
	return cfg
}

// File is one submitted file part, buffered up to the size ceiling.
type File struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
	// Truncated is set when the part carried more than MaxBytes.
	Truncated bool
}

// ReadPart buffers a multipart file part. Bytes past the size ceiling are
// drained and dropped, and the File is marked Truncated. On a read error the
// File collected so far is returned with it.
func (h *Handler) ReadPart(part *multipart.Part) (File, error) {
	file := File{
		Field:       part.FormName(),
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
	}
	data, err := io.ReadAll(io.LimitReader(part, h.cfg.MaxBytes+1))
	file.Data = data
	if err != nil {
		return file, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > h.cfg.MaxBytes {
		file.Data = data[:h.cfg.MaxBytes]
		file.Truncated = true
		if _, err := io.Copy(io.Discard, part); err != nil {
			return file, fmt.Errorf("read upload: %w", err)
		}
	}
	return file, nil
}

// Save validates the picture among files and stores it under a generated
// name. Parts of other fields are ignored. It returns "" and no error when no
// picture was submitted.
func (h *Handler) Save(ctx context.Context, files []File) (string, error) {
	pictures := make([]File, 0, 1)
	for _, f := range files {
		if f.Field != h.cfg.FieldName || (f.Filename == "" && len(f.Data) == 0) {
			continue
		}
		pictures = append(pictures, f)
	}
	switch len(pictures) {
	case 0:
		return "", nil
	case 1:
	default:
		return "", &Error{Kind: ErrTooManyFiles, Message: "Only one profile picture can be uploaded"}
	}
	f := pictures[0]

	ext := strings.ToLower(filepath.Ext(f.Filename))
	declared := declaredMIMEType(f.ContentType)
	if !slices.Contains(h.cfg.AllowedExtensions, ext) || !slices.Contains(h.cfg.AllowedMIMETypes, declared) {
		h.logger.Info("upload rejected: type",
			zap.String("filename", f.Filename),
			zap.String("mime", declared))
		return "", h.unsupported()
	}
	if f.Truncated || int64(len(f.Data)) > h.cfg.MaxBytes {
		h.logger.Info("upload rejected: size",
			zap.String("filename", f.Filename),
			zap.Int("read", len(f.Data)))
		return "", h.TooLarge()
	}

	data := f.Data
	imgCfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || (format != "jpeg" && format != "png") {
		h.logger.Info("upload rejected: content is not a jpeg or png image",
			zap.String("filename", f.Filename))
		return "", h.unsupported()
	}

	if h.cfg.MaxDimension > 0 && (imgCfg.Width > h.cfg.MaxDimension || imgCfg.Height > h.cfg.MaxDimension) {
		data, err = downscale(data, format, h.cfg.MaxDimension)
		if err != nil {
			return "", fmt.Errorf("resize upload: %w", err)
		}
	}

	name := h.newFilename(storedExtension(format, ext))
	contentType := "image/" + format
	if err := h.store.Put(ctx, name, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}

	h.logger.Info("profile picture stored",
		zap.String("name", name),
		zap.Int("bytes", len(data)))
	return name, nil
}

// Remove deletes a previously stored picture. The default picture is never removed.
func (h *Handler) Remove(ctx context.Context, name string) error {
	if name == "" || name == types.DefaultProfilePicture {
		return nil
	}
	return h.store.Delete(ctx, name)
}

// newFilename builds prefix-<unix millis>-<ULID><ext>. The monotonic ULID
// keeps names distinct even within the same millisecond.
func (h *Handler) newFilename(ext string) string {
	h.mu.Lock()
	now := h.now()
	id := ulid.MustNew(ulid.Timestamp(now), h.entropy)
	h.mu.Unlock()
	return fmt.Sprintf("%s-%d-%s%s", h.cfg.Prefix, now.UnixMilli(), id.String(), ext)
}

func (h *Handler) unsupported() error {
	names := make([]string, 0, len(h.cfg.AllowedExtensions))
	for _, ext := range h.cfg.AllowedExtensions {
		names = append(names, strings.TrimPrefix(ext, "."))
	}
	return &Error{
		Kind:    ErrUnsupportedType,
		Message: fmt.Sprintf("Only image files are allowed (%s)", strings.Join(names, ", ")),
	}
}

// TooLarge is the rejection for a file above the size ceiling.
func (h *Handler) TooLarge() error {
	return &Error{
		Kind:    ErrFileTooLarge,
		Message: fmt.Sprintf("Profile picture must be %s or smaller", formatBytes(h.cfg.MaxBytes)),
	}
}

func declaredMIMEType(raw string) string {
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return strings.ToLower(mediaType)
}

// storedExtension follows the decoded format so the name never disagrees with
// the bytes. A jpeg keeps the submitted spelling.
func storedExtension(format, submitted string) string {
	if format == "png" {
		return ".png"
	}
	if submitted == ".jpeg" {
		return ".jpeg"
	}
	return ".jpg"
}

// downscale fits the picture inside a bound x bound box and re-encodes it
// in its original format.
func downscale(data []byte, format string, bound int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h {
		h = max(1, h*bound/w)
		w = bound
	} else {
		w = max(1, w*bound/h)
		h = bound
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, dst)
	default:
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatBytes(n int64) string {
	const mib = 1 << 20
	if n%mib == 0 {
		return fmt.Sprintf("%d MiB", n/mib)
	}
	return fmt.Sprintf("%d bytes", n)
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
