package domain

// Questionnaire holds the onboarding form answers. The validate tags are
// read by the questionnaire package; "filled" marks a required answer.
type Questionnaire struct {
	Name                 string   `json:"name" validate:"filled"`
	BirthDay             int      `json:"birth_day" validate:"filled,min=1,max=31"`
	BirthMonth           int      `json:"birth_month" validate:"filled,min=1,max=12"`
	BirthYear            int      `json:"birth_year" validate:"filled,min=1900"`
	Gender               string   `json:"gender" validate:"filled"`
	WeightKg             float64  `json:"weight_kg" validate:"filled,min=20,max=400"`
	HeightCm             float64  `json:"height_cm" validate:"filled,min=50,max=275"`
	ExperienceLevel      string   `json:"experience_level" validate:"filled,oneof=beginner intermediate advanced"`
	PrimaryGoal          string   `json:"primary_goal" validate:"filled"`
	TrainingDays         []string `json:"training_days" validate:"filled,unique,dive,weekday"`
	CardioPreference     string   `json:"cardio_preference" validate:"filled"`
	StretchingPreference string   `json:"stretching_preference" validate:"filled"`
	SessionDuration      string   `json:"session_duration" validate:"filled"`
	HasInjuries          bool     `json:"has_injuries"`
	InjuryDetails        string   `json:"injury_details,omitempty"`
}

// Flatten returns the answers as a flat map keyed like the JSON fields.
// Injury details are omitted when empty.
func (q Questionnaire) Flatten() map[string]any {
	days := make([]any, 0, len(q.TrainingDays))
	for _, d := range q.TrainingDays {
		days = append(days, d)
	}
	out := map[string]any{
		"name":                  q.Name,
		"birth_day":             q.BirthDay,
		"birth_month":           q.BirthMonth,
		"birth_year":            q.BirthYear,
		"gender":                q.Gender,
		"weight_kg":             q.WeightKg,
		"height_cm":             q.HeightCm,
		"experience_level":      q.ExperienceLevel,
		"primary_goal":          q.PrimaryGoal,
		"training_days":         days,
		"cardio_preference":     q.CardioPreference,
		"stretching_preference": q.StretchingPreference,
		"session_duration":      q.SessionDuration,
		"has_injuries":          q.HasInjuries,
	}
	if q.InjuryDetails != "" {
		out["injury_details"] = q.InjuryDetails
	}
	return out
}
