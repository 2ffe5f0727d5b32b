package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/drblury/robohub/internal/runtime/ids"
	"github.com/drblury/robohub/internal/runtime/jsoncodec"
)

// Detection is an event the app reports to the agent, optionally with
// stored frames.
type Detection struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Tags      []string       `json:"tags,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Frames    []string       `json:"frames,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewDetection returns a detection with a fresh id.
func NewDetection(title string, tags ...string) *Detection {
	now := time.Now().UTC()
	return &Detection{
		ID:        ids.CreateULIDAt(now),
		Title:     title,
		Tags:      tags,
		CreatedAt: now,
	}
}

// Store writes detections and their frames below a directory, one
// subdirectory per detection.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) *Store { return &Store{dir: dir} }

func (s *Store) detectionDir(d *Detection) (string, error) {
	if d == nil || d.ID == "" {
		return "", fmt.Errorf("store: detection without id")
	}
	path := filepath.Join(s.dir, d.ID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("store: %w", err)
	}
	return path, nil
}

// SaveFrame writes data as a new frame of d and records its file name.
func (s *Store) SaveFrame(d *Detection, data []byte, ext string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.detectionDir(d)
	if err != nil {
		return "", err
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := ids.CreateULID() + ext
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("store: write frame: %w", err)
	}
	d.Frames = append(d.Frames, name)
	return name, nil
}

// Save writes d as detection.json in its directory.
func (s *Store) Save(d *Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.detectionDir(d)
	if err != nil {
		return err
	}
	data, err := jsoncodec.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode detection: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "detection.json"), data, 0o644); err != nil {
		return fmt.Errorf("store: write detection: %w", err)
	}
	return nil
}

// Load reads a detection saved by Save.
func (s *Store) Load(id string) (*Detection, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id, "detection.json"))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	var d Detection
	if err := jsoncodec.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("store: decode detection: %w", err)
	}
	return &d, nil
}
