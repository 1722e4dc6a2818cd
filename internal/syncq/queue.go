package syncq

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Command is one write that could not reach the API. The idempotency key
// is fixed when the command is first attempted so a replay cannot place
// a second order.
type Command struct {
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	Body           map[string]any `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	QueuedAt       time.Time      `json:"queued_at"`
}

// Queue is a JSON file of pending commands.
type Queue struct {
	path string
}

func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Queue{path: filepath.Join(dir, "queue.json")}, nil
}

func (q *Queue) Load() ([]Command, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Save(commands []Command) error {
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func (q *Queue) Push(cmd Command) error {
	commands, err := q.Load()
	if err != nil {
		return err
	}
	return q.Save(append(commands, cmd))
}

// Outcome classifies one replay attempt.
type Outcome int

const (
	// Applied means the server accepted the command now or on an earlier replay.
	Applied Outcome = iota
	// Rejected means the server refused it for good; the command is dropped.
	Rejected
	// Retry keeps the command queued.
	Retry
)

// ReplayResult counts what happened to the queue.
type ReplayResult struct {
	Applied   int
	Rejected  int
	Remaining int
}

// Replay sends every queued command in order through send and rewrites
// the queue with the ones that must be retried.
func (q *Queue) Replay(send func(Command) Outcome) (ReplayResult, error) {
	commands, err := q.Load()
	if err != nil {
		return ReplayResult{}, err
	}
	var res ReplayResult
	remaining := make([]Command, 0, len(commands))
	for _, c := range commands {
		switch send(c) {
		case Applied:
			res.Applied++
		case Rejected:
			res.Rejected++
		default:
			remaining = append(remaining, c)
		}
	}
	res.Remaining = len(remaining)
	return res, q.Save(remaining)
}
