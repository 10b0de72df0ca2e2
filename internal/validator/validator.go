package validator

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/stemsi/exstem-offline/internal/model"
)

// trans is the singleton English translator for validation errors.
var trans ut.Translator

var (
	std     *govalidator.Validate
	stdOnce sync.Once
	transMu sync.Mutex
)

// Setup registers the validator with English translations on Gin's binding engine.
// Call once during relay startup.
func Setup() {
	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		configure(v)
	}
}

// Struct validates v with the `validate` tags and the shared struct rules.
func Struct(v any) error {
	return engine().Struct(v)
}

func engine() *govalidator.Validate {
	stdOnce.Do(func() {
		std = govalidator.New(govalidator.WithRequiredStructEnabled())
		configure(std)
	})
	return std
}

func configure(v *govalidator.Validate) {
	// Use JSON tag name for field names in error messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterStructValidation(timeLogRule, model.TimeLog{})

	transMu.Lock()
	defer transMu.Unlock()
	if trans == nil {
		enLocale := en.New()
		uni := ut.New(enLocale, enLocale)
		trans, _ = uni.GetTranslator("en")
	}
	_ = en_translations.RegisterDefaultTranslations(v, trans)
	_ = v.RegisterTranslation("gtentry", trans,
		func(u ut.Translator) error {
			return u.Add("gtentry", "{0} must be after entry", true)
		},
		func(u ut.Translator, fe govalidator.FieldError) string {
			t, _ := u.T("gtentry", fe.Field())
			return t
		},
	)
}

// timeLogRule enforces a non-empty question id and exit > entry.
func timeLogRule(sl govalidator.StructLevel) {
	log, ok := sl.Current().Interface().(model.TimeLog)
	if !ok {
		return
	}
	if strings.TrimSpace(log.QuestionID) == "" {
		sl.ReportError(log.QuestionID, "questionId", "QuestionID", "required", "")
	}
	if log.Exit != nil && !(*log.Exit > log.Entry) {
		sl.ReportError(*log.Exit, "exit", "Exit", "gtentry", "")
	}
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name → human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			if trans != nil {
				fields[fe.Field()] = fe.Translate(trans)
			} else {
				fields[fe.Field()] = fe.Error()
			}
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
