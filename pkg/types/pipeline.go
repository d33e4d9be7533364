package types

import (
	"fmt"
	"time"
)

// Stage is one declared step of a pipeline.
type Stage struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Order int    `json:"order"`
}

// Pipeline is a configured automation pipeline. It is owned by the CRUD
// layer and is read-only to pipewatch.
type Pipeline struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Stages    []Stage   `json:"stages"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that stage orders are unique and contiguous from 0.
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pipeline: id is required")
	}
	seen := make([]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.Order < 0 || s.Order >= len(p.Stages) {
			return fmt.Errorf("pipeline %q: stage %q order %d out of range [0, %d)",
				p.ID, s.Name, s.Order, len(p.Stages))
		}
		if seen[s.Order] {
			return fmt.Errorf("pipeline %q: duplicate stage order %d", p.ID, s.Order)
		}
		seen[s.Order] = true
	}
	return nil
}
