package models

// Option is one labeled answer choice.
type Option struct {
	Key      string  `json:"key" yaml:"key"`
	Label    string  `json:"label" yaml:"label"`
	ImageURL *string `json:"image_url,omitempty" yaml:"image_url"`
}

// Question is a single prompt with two to four options.
type Question struct {
	ID         string   `json:"id" yaml:"id"`
	Prompt     string   `json:"prompt" yaml:"prompt"`
	ImageURL   *string  `json:"image_url,omitempty" yaml:"image_url"`
	Options    []Option `json:"options" yaml:"options"`
	CorrectKey string   `json:"-" yaml:"correct_key"`
}

// IsCorrect reports whether key names the correct option.
func (q Question) IsCorrect(key string) bool {
	return q.CorrectKey != "" && q.CorrectKey == key
}

// QuestionCriteria selects a question set from the content layer.
type QuestionCriteria struct {
	ModuleID string `json:"module_id"`
	Limit    int    `json:"limit,omitempty"`
}
