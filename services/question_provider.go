// services/question_provider.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/quizroom/models"
)

// DefaultQuestionURL family100 题库接口
const DefaultQuestionURL = "https://api.siputzx.my.id/api/games/family100"

// ErrNoQuestion is returned when the provider answered but had nothing usable.
var ErrNoQuestion = errors.New("no usable question")

// FallbackQuestion 题库不可用时使用的固定题目
func FallbackQuestion() models.Question {
	return models.Question{
		Prompt:  "Nama Buah",
		Answers: []string{"Apel", "Jeruk", "Mangga"},
	}
}

// HTTPError represents a non-2xx response from the question API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus returns true if err (or any wrapped error) is an HTTPError with the given status code.
func IsStatus(err error, code int) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == code
	}
	return false
}

// family100Response 接口返回格式 {"status": true, "data": {"soal": "...", "jawaban": [...]}}
type family100Response struct {
	Status bool `json:"status"`
	Data   struct {
		Soal    string   `json:"soal"`
		Jawaban []string `json:"jawaban"`
	} `json:"data"`
}

// HTTPQuestionProvider fetches questions from a family100-style HTTP API.
type HTTPQuestionProvider struct {
	url        string
	httpClient *http.Client
}

// NewHTTPQuestionProvider creates a provider; timeout bounds each fetch.
func NewHTTPQuestionProvider(url string, timeout time.Duration) *HTTPQuestionProvider {
	if url == "" {
		url = DefaultQuestionURL
	}
	return &HTTPQuestionProvider{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *HTTPQuestionProvider) FetchQuestion(ctx context.Context) (models.Question, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return models.Question{}, fmt.Errorf("services.FetchQuestion: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return models.Question{}, fmt.Errorf("services.FetchQuestion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Question{}, fmt.Errorf("services.FetchQuestion: %w",
			&HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))})
	}

	var payload family100Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return models.Question{}, fmt.Errorf("services.FetchQuestion: decode: %w", err)
	}
	if !payload.Status {
		return models.Question{}, fmt.Errorf("services.FetchQuestion: %w", ErrNoQuestion)
	}

	q, ok := Sanitize(models.Question{Prompt: payload.Data.Soal, Answers: payload.Data.Jawaban})
	if !ok {
		return models.Question{}, fmt.Errorf("services.FetchQuestion: %w", ErrNoQuestion)
	}
	return q, nil
}

// Sanitize trims the prompt and answers and drops blank answers.
// It reports false when nothing playable is left.
func Sanitize(q models.Question) (models.Question, bool) {
	out := models.Question{Prompt: strings.TrimSpace(q.Prompt)}
	for _, a := range q.Answers {
		if a = strings.TrimSpace(a); a != "" {
			out.Answers = append(out.Answers, a)
		}
	}
	return out, out.Prompt != "" && len(out.Answers) > 0
}

// StaticProvider 按顺序循环返回固定题目，用于离线环境和测试
type StaticProvider struct {
	questions []models.Question
	next      int
	mutex     sync.Mutex
}

func NewStaticProvider(questions ...models.Question) *StaticProvider {
	if len(questions) == 0 {
		questions = []models.Question{FallbackQuestion()}
	}
	return &StaticProvider{questions: questions}
}

func (p *StaticProvider) FetchQuestion(ctx context.Context) (models.Question, error) {
	if err := ctx.Err(); err != nil {
		return models.Question{}, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	q := p.questions[p.next%len(p.questions)]
	p.next++
	return models.Question{Prompt: q.Prompt, Answers: append([]string(nil), q.Answers...)}, nil
}
