package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type storageSeed struct {
	Id          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"`
	UsedReadBW  float64 `yaml:"used_read_bw"`
	UsedWriteBW float64 `yaml:"used_write_bw"`
	MaxReadBW   float64 `yaml:"max_read_bw"`
	MaxWriteBW  float64 `yaml:"max_write_bw"`
}

type dtnSeed struct {
	Id      string  `yaml:"id"`
	Host    string  `yaml:"host"`
	BwIn    float64 `yaml:"bwin"`
	BwOut   float64 `yaml:"bwout"`
	UsedIn  float64 `yaml:"used_in"`
	UsedOut float64 `yaml:"used_out"`
}

// Seed is the site description used to populate a fresh document store:
//
//	storages:
//	  - { id: s-bde3, name: storage-local-bde3, type: local, used_read_bw: 5000, used_write_bw: 2000, max_read_bw: 100000, max_write_bw: 800000 }
//	dtns:
//	  - { host: bde3.fnal.gov, bwin: 10000, bwout: 10000 }
//	sdmaps:
//	  - { storage: s-bde3, dtn: bde3.fnal.gov }
//
// Seed implements Source.
type Seed struct {
	storages []*Storage
	dtns     []*DTN
	links    []Link
}

// ParseSeed decodes and validates a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var raw struct {
		Storages []storageSeed `yaml:"storages"`
		DTNs     []dtnSeed     `yaml:"dtns"`
		SDMaps   []Link        `yaml:"sdmaps"`
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}

	seed := &Seed{links: raw.SDMaps}

	for _, s := range raw.Storages {
		kind, err := ParseStorageKind(s.Type)
		if err != nil {
			return nil, fmt.Errorf("storage %s: %w", s.Id, err)
		}

		storage, err := NewStorage(s.Id, s.Name, kind, s.UsedReadBW, s.UsedWriteBW, s.MaxReadBW, s.MaxWriteBW)
		if err != nil {
			return nil, fmt.Errorf("storage %s: %w", s.Id, err)
		}

		seed.storages = append(seed.storages, storage)
	}

	for _, d := range raw.DTNs {
		dtn, err := NewDTN(d.Id, d.Host, d.BwIn, d.BwOut, d.UsedIn, d.UsedOut)
		if err != nil {
			return nil, fmt.Errorf("dtn %s: %w", d.Host, err)
		}

		seed.dtns = append(seed.dtns, dtn)
	}

	return seed, nil
}

// LoadSeed reads and parses the seed file at the given path.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseSeed(data)
}

func (s *Seed) ListStorages(_ context.Context) ([]*Storage, error) {
	return s.storages, nil
}

func (s *Seed) ListDTNs(_ context.Context) ([]*DTN, error) {
	return s.dtns, nil
}

func (s *Seed) ListLinks(_ context.Context) ([]Link, error) {
	return s.links, nil
}
