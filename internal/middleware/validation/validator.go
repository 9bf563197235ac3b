package validation

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/pkg/logger"
)

const imageLocal = "upload.image"

var (
	patientIDPattern = regexp.MustCompile(`^PAVIT-\d{5,}$`)

	validate = newValidator()

	ErrNoImage      = errors.New("image file is required")
	ErrImageTooBig  = errors.New("image exceeds maximum size")
	ErrNotAnImage   = errors.New("unsupported image type")
	ErrInvalidInput = errors.New("invalid request")
)

// DefaultImageTypes are the formats the detection service accepts.
var DefaultImageTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif", "image/bmp"}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("patient_id", func(fl validator.FieldLevel) bool {
		return patientIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// RequestError lists every failed field with a readable message.
type RequestError struct {
	Fields map[string]string
}

func (e *RequestError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return strings.Join(parts, "; ")
}

func (e *RequestError) Unwrap() error { return ErrInvalidInput }

// Struct runs the `validate` tags on v.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	out := &RequestError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = describe(fe)
	}
	return out
}

// Bind parses a JSON or form body into dst and validates it.
func Bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return &RequestError{Fields: map[string]string{"body": "malformed request body"}}
	}
	return Struct(dst)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "patient_id":
		return "must look like PAVIT-00000"
	case "datetime":
		return "must be a date in " + fe.Param() + " format"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// Image is an upload that passed size and content sniffing.
type Image struct {
	Data      []byte
	MIME      string
	Extension string
	Filename  string
}

type UploadConfig struct {
	Field        string
	MaxImageSize int64
	AllowedTypes []string
}

// ImageUpload reads the multipart image field, rejects oversized or
// non-image content, and stores the result for ImageFrom.
func ImageUpload(cfg UploadConfig) fiber.Handler {
	if cfg.Field == "" {
		cfg.Field = "image"
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = DefaultImageTypes
	}

	return func(c *fiber.Ctx) error {
		img, err := readImage(c, cfg)
		if err != nil {
			status := fiber.StatusBadRequest
			switch {
			case errors.Is(err, ErrImageTooBig):
				status = fiber.StatusRequestEntityTooLarge
			case errors.Is(err, ErrNotAnImage):
				status = fiber.StatusUnsupportedMediaType
			}
			logger.Warn("Rejected upload",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			return c.Status(status).JSON(fiber.Map{
				"status":  "error",
				"message": err.Error(),
			})
		}

		c.Locals(imageLocal, img)
		return c.Next()
	}
}

// ImageFrom returns the image stored by ImageUpload, or nil.
func ImageFrom(c *fiber.Ctx) *Image {
	img, _ := c.Locals(imageLocal).(*Image)
	return img
}

func readImage(c *fiber.Ctx, cfg UploadConfig) (*Image, error) {
	fh, err := c.FormFile(cfg.Field)
	if err != nil {
		return nil, ErrNoImage
	}
	if fh.Size == 0 {
		return nil, ErrNoImage
	}
	if fh.Size > cfg.MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrImageTooBig, fh.Size, cfg.MaxImageSize)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, cfg.MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	img, err := CheckImage(data, cfg.MaxImageSize, cfg.AllowedTypes)
	if err != nil {
		return nil, err
	}
	img.Filename = fh.Filename
	return img, nil
}

// CheckImage applies the upload size limit and content sniffing to raw
// bytes. An empty allowed list means DefaultImageTypes.
func CheckImage(data []byte, maxSize int64, allowed []string) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrNoImage
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrImageTooBig, maxSize)
	}
	if len(allowed) == 0 {
		allowed = DefaultImageTypes
	}

	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), allowed...) {
		return nil, fmt.Errorf("%w: %s", ErrNotAnImage, mt.String())
	}

	return &Image{
		Data:      data,
		MIME:      mt.String(),
		Extension: mt.Extension(),
	}, nil
}
