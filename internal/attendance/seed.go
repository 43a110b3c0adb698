package attendance

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"attendiq/internal/model"
)

// Seed is a YAML fixture of accounts, classes and enrollments for
// environments without an admin surface.
type Seed struct {
	Users []struct {
		ID    string     `yaml:"id"`
		Role  model.Role `yaml:"role"`
		Email string     `yaml:"email"`
		Name  string     `yaml:"name"`
	} `yaml:"users"`
	Classes []struct {
		ID           string   `yaml:"id"`
		TeacherID    string   `yaml:"teacher_id"`
		Name         string   `yaml:"name"`
		Subject      string   `yaml:"subject"`
		Latitude     *float64 `yaml:"latitude"`
		Longitude    *float64 `yaml:"longitude"`
		RadiusMeters *float64 `yaml:"radius_meters"`
	} `yaml:"classes"`
	Enrollments []struct {
		StudentID string `yaml:"student_id"`
		ClassID   string `yaml:"class_id"`
	} `yaml:"enrollments"`
}

// LoadSeed parses a seed file.
func LoadSeed(path string) (Seed, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(body, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return s, nil
}

// Apply writes the seed into store in dependency order.
func (s Seed) Apply(ctx context.Context, store Store) error {
	for _, u := range s.Users {
		if err := store.CreateUser(ctx, model.User{ID: u.ID, Role: u.Role, Email: u.Email, Name: u.Name}); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, c := range s.Classes {
		class := model.Class{
			ID: c.ID, TeacherID: c.TeacherID, Name: c.Name, Subject: c.Subject,
			Latitude: c.Latitude, Longitude: c.Longitude, RadiusMeters: c.RadiusMeters,
		}
		if err := store.CreateClass(ctx, class); err != nil {
			return fmt.Errorf("seed class %s: %w", c.ID, err)
		}
	}
	for _, e := range s.Enrollments {
		if err := store.Enroll(ctx, e.StudentID, e.ClassID); err != nil {
			return fmt.Errorf("seed enrollment %s/%s: %w", e.StudentID, e.ClassID, err)
		}
	}
	return nil
}
