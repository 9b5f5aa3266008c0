// Package questionnaire validates and submits the onboarding form.
package questionnaire

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/fitcoach/internal/domain"
	"github.com/go-playground/validator/v10"
)

// ValidationError lists the fields that block submission.
type ValidationError struct {
	Missing []string          `json:"missing,omitempty"`
	Invalid map[string]string `json:"invalid,omitempty"`
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		keys := make([]string, 0, len(e.Invalid))
		for k := range e.Invalid {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+": "+e.Invalid[k])
		}
	}
	return "invalid questionnaire: " + strings.Join(parts, "; ")
}

var weekdays = map[string]string{
	"mon": "mon", "monday": "mon",
	"tue": "tue", "tuesday": "tue",
	"wed": "wed", "wednesday": "wed",
	"thu": "thu", "thursday": "thu",
	"fri": "fri", "friday": "fri",
	"sat": "sat", "saturday": "sat",
	"sun": "sun", "sunday": "sun",
}

// presenceTag marks required answers in domain.Questionnaire.
const presenceTag = "filled"

var form = newFormValidator()

func newFormValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	must(v.RegisterValidation(presenceTag, filled))
	must(v.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
		_, ok := weekdays[strings.ToLower(strings.TrimSpace(fl.Field().String()))]
		return ok
	}))
	return v
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// filled rejects blank text, empty lists and zero numbers.
func filled(fl validator.FieldLevel) bool {
	f := fl.Field()
	switch f.Kind() {
	case reflect.String:
		return strings.TrimSpace(f.String()) != ""
	case reflect.Slice, reflect.Map, reflect.Array:
		return f.Len() > 0
	default:
		return !f.IsZero()
	}
}

func fieldErrors(q domain.Questionnaire) validator.ValidationErrors {
	var verrs validator.ValidationErrors
	if err := form.Struct(q); err != nil && errors.As(err, &verrs) {
		return verrs
	}
	return nil
}

// fieldName strips the element index of list errors.
func fieldName(fe validator.FieldError) string {
	name, _, _ := strings.Cut(fe.Field(), "[")
	return name
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "unique":
		return "must not repeat a day"
	case "weekday":
		return fmt.Sprintf("unknown day %q", fe.Value())
	default:
		return "is invalid"
	}
}

// MissingFields returns the required fields that are empty, in form order.
// Injury details are never required.
func MissingFields(q domain.Questionnaire) []string {
	var missing []string
	for _, fe := range fieldErrors(q) {
		if fe.Tag() == presenceTag {
			missing = append(missing, fieldName(fe))
		}
	}
	return missing
}

// CanSubmit reports whether the submit action is enabled: every required
// field is filled and at least one training day is selected.
func CanSubmit(q domain.Questionnaire) bool {
	return len(MissingFields(q)) == 0
}

// Validate checks presence, then value ranges, then that the birth date is
// a real calendar day in the past. It returns a *ValidationError or nil.
func Validate(q domain.Questionnaire, now time.Time) error {
	q = Normalize(q)
	verrs := fieldErrors(q)

	var missing []string
	invalid := map[string]string{}
	for _, fe := range verrs {
		name := fieldName(fe)
		if fe.Tag() == presenceTag {
			missing = append(missing, name)
			continue
		}
		if _, seen := invalid[name]; !seen {
			invalid[name] = message(fe)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}

	_, badDay := invalid["birth_day"]
	_, badMonth := invalid["birth_month"]
	_, badYear := invalid["birth_year"]
	if !badDay && !badMonth && !badYear {
		birth := time.Date(q.BirthYear, time.Month(q.BirthMonth), q.BirthDay, 0, 0, 0, 0, time.UTC)
		switch {
		case birth.Day() != q.BirthDay:
			invalid["birth_day"] = "is not a valid day of the month"
		case !birth.Before(now):
			invalid["birth_year"] = "must be in the past"
		}
	}

	if len(invalid) > 0 {
		return &ValidationError{Invalid: invalid}
	}
	return nil
}

// Normalize trims text fields and canonicalizes training days.
func Normalize(q domain.Questionnaire) domain.Questionnaire {
	q.Name = strings.TrimSpace(q.Name)
	q.Gender = strings.TrimSpace(q.Gender)
	q.ExperienceLevel = strings.ToLower(strings.TrimSpace(q.ExperienceLevel))
	q.PrimaryGoal = strings.TrimSpace(q.PrimaryGoal)
	q.CardioPreference = strings.TrimSpace(q.CardioPreference)
	q.StretchingPreference = strings.TrimSpace(q.StretchingPreference)
	q.SessionDuration = strings.TrimSpace(q.SessionDuration)
	q.InjuryDetails = strings.TrimSpace(q.InjuryDetails)

	if q.TrainingDays == nil {
		return q
	}
	days := make([]string, 0, len(q.TrainingDays))
	for _, d := range q.TrainingDays {
		if day, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]; ok {
			days = append(days, day)
		} else {
			days = append(days, d)
		}
	}
	q.TrainingDays = days
	return q
}
