package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store exposes persona lookup for the voice pipeline.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
func NewMemoryStore(items []Persona) *MemoryStore {
	return &MemoryStore{items: append([]Persona(nil), items...)}
}

// List returns the persona list.
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Persona{}, false
}

type personaFile struct {
	Personas []Persona `yaml:"personas"`
}

// LoadFile 从 YAML 文件读取人设，文件中的同名人设覆盖内置人设。
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 人设定义并与内置人设合并。
func Parse(data []byte) (*MemoryStore, error) {
	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode persona yaml: %w", err)
	}

	seeds := Seed()
	base := seeds[0]
	items := seeds
	for i, p := range file.Personas {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("persona #%d: id is required", i+1)
		}
		p = p.withDefaults(base)

		replaced := false
		for j := range items {
			if items[j].ID == p.ID {
				items[j] = p
				replaced = true
				break
			}
		}
		if !replaced {
			items = append(items, p)
		}
	}

	return NewMemoryStore(items), nil
}

// Resolve 返回指定人设，id 为空时使用默认人设。
func Resolve(store Store, id string) (Persona, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = DefaultID
	}
	p, ok := store.FindByID(id)
	if !ok {
		return Persona{}, fmt.Errorf("persona %q not found", id)
	}
	return p, nil
}
