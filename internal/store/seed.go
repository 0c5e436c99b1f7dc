package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout of the carrier reference data:
//
//	carriers:
//	  - id: 1
//	    image: media/ransom.jpg
//	  - id: 3
//	    video: media/video.mp4
type SeedFile struct {
	Carriers []Carrier `yaml:"carriers"`
}

// LoadSeed parses a seed file. Relative media paths are resolved against
// the file's directory.
func LoadSeed(path string) ([]Carrier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range sf.Carriers {
		c := &sf.Carriers[i]
		for _, p := range []*string{&c.ImagePath, &c.AudioPath, &c.VideoPath} {
			if *p != "" && !filepath.IsAbs(*p) {
				*p = filepath.Join(base, *p)
			}
		}
	}
	return sf.Carriers, nil
}

// CarrierWriter is the subset of Store needed for seeding.
type CarrierWriter interface {
	Carrier(id int64) (*Carrier, error)
	PutCarrier(c Carrier) error
}

// Seed inserts carriers whose ids are not present yet and returns how many
// were added. Existing carriers are never rewritten.
func Seed(s CarrierWriter, carriers []Carrier) (int, error) {
	added := 0
	for _, c := range carriers {
		if _, err := s.Carrier(c.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return added, err
		}
		if err := s.PutCarrier(c); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
