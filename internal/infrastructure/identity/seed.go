package identity

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progression/internal/domain/leaderboard"
)

// seedDocument is the YAML shape of an identity seed file:
//
//	users:
//	  - {id: u1, name: Aigerim, role: student, photo: https://...}
type seedDocument struct {
	Users []struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Photo string `yaml:"photo"`
		Role  string `yaml:"role"`
	} `yaml:"users"`
}

// ParseSeed builds a Directory from a YAML seed document.
// A missing role defaults to student.
func ParseSeed(data []byte) (*Directory, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc seedDocument
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("identity: parse seed: %w", err)
	}

	d := NewDirectory()
	for i, u := range doc.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return nil, fmt.Errorf("identity: seed entry %d has no id", i)
		}
		if _, dup := d.users[id]; dup {
			return nil, fmt.Errorf("identity: duplicate seed id %q", id)
		}

		role := leaderboard.Role(strings.ToLower(strings.TrimSpace(u.Role)))
		switch role {
		case "":
			role = leaderboard.RoleStudent
		case leaderboard.RoleStudent, leaderboard.RoleTeacher, leaderboard.RoleAdmin, leaderboard.RoleOwner:
		default:
			return nil, fmt.Errorf("identity: seed id %q has unknown role %q", id, u.Role)
		}

		name := strings.TrimSpace(u.Name)
		if name == "" {
			name = id
		}
		d.users[id] = leaderboard.Identity{
			UserID:      id,
			DisplayName: name,
			PhotoURL:    strings.TrimSpace(u.Photo),
			Role:        role,
		}
	}
	return d, nil
}

// LoadSeedFile reads and parses a seed file.
func LoadSeedFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read seed: %w", err)
	}
	return ParseSeed(data)
}

// Len returns the number of identities in the directory.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
