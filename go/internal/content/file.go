package content

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/quizlive/go/internal/models"
)

// QuestionSet is the on-disk form of one module's questions.
type QuestionSet struct {
	ModuleID  string            `yaml:"module_id"`
	Title     string            `yaml:"title"`
	Questions []models.Question `yaml:"questions"`
}

// Library is the on-disk form of a FileProvider.
type Library struct {
	// Settings are keyed by host id; "default" applies to any other host.
	Settings map[string]models.GameSettings `yaml:"settings"`
	Sets     []QuestionSet                  `yaml:"question_sets"`
}

const defaultSettingsKey = "default"

// LoadQuestionSet reads a single question set file.
func LoadQuestionSet(path string) (QuestionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return QuestionSet{}, fmt.Errorf("failed to read question set: %w", err)
	}
	var set QuestionSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return QuestionSet{}, fmt.Errorf("failed to parse question set %s: %w", path, err)
	}
	if set.ModuleID == "" {
		return QuestionSet{}, fmt.Errorf("question set %s has no module_id", path)
	}
	if err := ValidateQuestions(set.Questions); err != nil {
		return QuestionSet{}, fmt.Errorf("question set %s: %w", path, err)
	}
	return set, nil
}

// FileProvider serves content from a YAML library and keeps final results in
// memory. It backs local play and tests.
type FileProvider struct {
	lib Library

	mu      sync.Mutex
	results []models.FinalResult
}

func NewFileProvider(lib Library) (*FileProvider, error) {
	for _, set := range lib.Sets {
		if err := ValidateQuestions(set.Questions); err != nil {
			return nil, fmt.Errorf("module %s: %w", set.ModuleID, err)
		}
	}
	return &FileProvider{lib: lib}, nil
}

// LoadFileProvider reads a library file.
func LoadFileProvider(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read library: %w", err)
	}
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("failed to parse library %s: %w", path, err)
	}
	return NewFileProvider(lib)
}

func (p *FileProvider) FetchQuestionSet(ctx context.Context, criteria models.QuestionCriteria) ([]models.Question, error) {
	for _, set := range p.lib.Sets {
		if set.ModuleID == criteria.ModuleID {
			qs := append([]models.Question(nil), set.Questions...)
			return Limit(qs, criteria), nil
		}
	}
	return nil, fmt.Errorf("module %q: %w", criteria.ModuleID, ErrNoQuestions)
}

func (p *FileProvider) FetchGameSettings(ctx context.Context, hostID string) (models.GameSettings, error) {
	if s, ok := p.lib.Settings[hostID]; ok {
		return s.WithDefaults(), nil
	}
	return p.lib.Settings[defaultSettingsKey].WithDefaults(), nil
}

func (p *FileProvider) SaveFinalResult(ctx context.Context, result models.FinalResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)

	log.Info().
		Str("session_code", result.SessionCode).
		Str("identity", result.Identity).
		Int("correct", result.Correct).
		Int("wrong", result.Wrong).
		Int("rank", result.Rank).
		Msg("final result saved")
	return nil
}

// Results returns the saved results in save order.
func (p *FileProvider) Results() []models.FinalResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.FinalResult(nil), p.results...)
}

var _ Provider = (*FileProvider)(nil)
