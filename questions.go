package main

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"slices"
	"strings"
)

//go:embed assets/questions.csv
var defaultQuestions []byte

const answersPerQuestion = 6

type Answer struct {
	Text string `json:"text"`
	Rank int    `json:"rank"`
	Stat string `json:"stat"`
}

type Question struct {
	Text    string   `json:"question"`
	Answers []Answer `json:"answers"` // always rank-sorted, rank 1 first
}

var errNoQuestions = errors.New("no valid questions")

// QuestionBank holds every valid question parsed at startup. It is
// read-only after load, so room actors can fetch from it concurrently.
type QuestionBank struct {
	cfg       *Config
	questions []Question
}

// loadQuestionBank reads the CSV named by --questions, or the embedded
// bank when the flag is unset. An empty or unreadable bank is a fatal
// startup error.
func loadQuestionBank(cfg *Config) (*QuestionBank, error) {
	var r io.Reader
	source := "embedded bank"

	if cfg.questions != "" {
		f, err := os.Open(cfg.questions)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
		source = cfg.questions
	} else {
		r = bytes.NewReader(defaultQuestions)
	}

	bank, err := parseQuestionBank(cfg, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	logf(cfg, "BANK: Loaded %d questions from %s", len(bank.questions), source)

	return bank, nil
}

// parseQuestionBank expects a header row naming a "question" column and
// paired "answer_N"/"stat_N" columns for N in 1..6, in any order. Rows
// missing the prompt, any pair, or with duplicate answer texts are
// dropped.
func parseQuestionBank(cfg *Config, r io.Reader) (*QuestionBank, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errNoQuestions
	}

	columns := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := columns["question"]; !ok {
		return nil, errors.New("missing question column")
	}

	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var questions []Question

	for n, row := range records[1:] {
		q := Question{Text: field(row, "question")}

		seen := make(map[string]bool, answersPerQuestion)
		for i := 1; i <= answersPerQuestion; i++ {
			text := field(row, fmt.Sprintf("answer_%d", i))
			stat := field(row, fmt.Sprintf("stat_%d", i))
			if text == "" || stat == "" || seen[text] {
				break
			}
			seen[text] = true
			q.Answers = append(q.Answers, Answer{Text: text, Rank: i, Stat: stat})
		}

		if q.Text == "" || len(q.Answers) != answersPerQuestion {
			logf(cfg, "BANK: Dropping invalid row %d", n+2)
			continue
		}

		questions = append(questions, q)
	}

	if len(questions) == 0 {
		return nil, errNoQuestions
	}

	return &QuestionBank{cfg: cfg, questions: questions}, nil
}

// Fetch returns a random question whose prompt is not in exclude. Once
// every prompt has been seen recently, repeats are allowed again rather
// than failing the room.
func (b *QuestionBank) Fetch(exclude []string) (Question, error) {
	if len(b.questions) == 0 {
		return Question{}, errNoQuestions
	}

	eligible := make([]Question, 0, len(b.questions))
	for _, q := range b.questions {
		if !slices.Contains(exclude, q.Text) {
			eligible = append(eligible, q)
		}
	}
	if len(eligible) == 0 {
		logf(b.cfg, "BANK: All %d questions used recently, repeating", len(b.questions))
		eligible = b.questions
	}

	return eligible[rand.Intn(len(eligible))].copy(), nil
}

// copy keeps callers from aliasing bank memory.
func (q Question) copy() Question {
	q.Answers = append([]Answer(nil), q.Answers...)
	return q
}
