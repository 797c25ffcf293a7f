package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/felixgeelhaar/wintermute/internal/observe"
)

// Store holds the loaded personas and the current selection. Readers get
// copies; the set is only replaced wholesale by Reload.
type Store struct {
	dir      string
	observer *observe.Observer
	writeMu  sync.Mutex // serializes Create and Update

	mu       sync.RWMutex
	personas []Persona
	sources  map[string]string // id -> definition file
	active   int
	skipped  []string
}

// NewStore creates a store over dir. Call Reload to load it.
func NewStore(dir string, obs *observe.Observer) *Store {
	if obs == nil {
		obs = observe.Discard()
	}
	return &Store{dir: dir, observer: obs, sources: map[string]string{}}
}

// Open creates a store over dir and loads it.
func Open(dir string, obs *observe.Observer) (*Store, error) {
	s := NewStore(dir, obs)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the definitions directory.
func (s *Store) Dir() string {
	return s.dir
}

// LoadAll scans dir for persona definitions in file name order. A definition
// that cannot be read or fails validation is skipped and reported by name.
// A missing directory yields no personas.
func LoadAll(dir string) (personas []Persona, sources map[string]string, skipped []string, err error) {
	sources = map[string]string{}

	matches, err := doublestar.Glob(os.DirFS(dir), filePattern)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, sources, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(matches)

	for _, name := range matches {
		path := filepath.Join(dir, name)
		p, err := LoadFile(path)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if prev, dup := sources[p.ID]; dup {
			skipped = append(skipped, fmt.Sprintf("%s: duplicate id %q (already loaded from %s)", name, p.ID, filepath.Base(prev)))
			continue
		}
		sources[p.ID] = path
		personas = append(personas, p)
	}
	return personas, sources, skipped, nil
}

// Reload replaces the loaded set atomically. The selection follows the
// previously active id when it survives the reload, else resets to the first.
func (s *Store) Reload() error {
	personas, sources, skipped, err := LoadAll(s.dir)
	if err != nil {
		return err
	}
	for _, msg := range skipped {
		s.observer.Log().Warn().Str("dir", s.dir).Str("reason", msg).Msg("skipping persona definition")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	activeID := ""
	if s.active < len(s.personas) {
		activeID = s.personas[s.active].ID
	}
	s.personas = personas
	s.sources = sources
	s.skipped = skipped
	s.active = 0
	for i, p := range personas {
		if p.ID == activeID {
			s.active = i
			break
		}
	}

	s.observer.Log().Debug().Int("count", len(personas)).Msg("personas loaded")
	return nil
}

// Skipped returns the reasons definitions were skipped on the last load.
func (s *Store) Skipped() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.skipped...)
}

// Get returns the persona with id.
func (s *Store) Get(id string) (Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return clone(s.personas[i]), nil
	}
	return Persona{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns every loaded persona in load order.
func (s *Store) List() []Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Persona, len(s.personas))
	for i, p := range s.personas {
		out[i] = clone(p)
	}
	return out
}

// IDs returns the loaded persona ids in load order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.personas))
	for i, p := range s.personas {
		ids[i] = p.ID
	}
	return ids
}

// Len returns the number of loaded personas.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.personas)
}

// SetActive selects the persona with id. An unknown id leaves the selection
// unchanged and reports false.
func (s *Store) SetActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.active = i
	return true
}

// Active returns the selected persona, which is the first loaded one until
// something else is selected. It reports false when nothing is loaded.
func (s *Store) Active() (Persona, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.personas) == 0 {
		return Persona{}, false
	}
	return clone(s.personas[s.active]), true
}

// Next selects the following persona, wrapping around.
func (s *Store) Next() (Persona, bool) {
	return s.step(1)
}

// Previous selects the preceding persona, wrapping around.
func (s *Store) Previous() (Persona, bool) {
	return s.step(-1)
}

func (s *Store) step(delta int) (Persona, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.personas)
	if n == 0 {
		return Persona{}, false
	}
	s.active = (s.active + delta + n) % n
	return clone(s.personas[s.active]), true
}

// Create validates p, writes it to <id>.json and reloads. An id that is
// already loaded, or an existing <id>.json, is ErrExists.
func (s *Store) Create(p Persona) error {
	if err := s.checkWritable(p); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	exists := s.indexOf(p.ID) >= 0
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrExists, p.ID)
	}

	if err := writeFile(filepath.Join(s.dir, p.ID+".json"), p, true); err != nil {
		return err
	}
	return s.Reload()
}

// Update validates p, overwrites the definition it was loaded from and
// reloads. An unknown id is ErrNotFound.
func (s *Store) Update(p Persona) error {
	if err := s.checkWritable(p); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	path, ok := s.sources[p.ID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}

	if err := writeFile(path, p, false); err != nil {
		return err
	}
	return s.Reload()
}

func (s *Store) checkWritable(p Persona) error {
	if err := p.Validate().Err(); err != nil {
		return err
	}
	if !safeID(p.ID) {
		return fmt.Errorf("%w: id %q may only contain letters, digits, '.', '-' and '_'", ErrInvalid, p.ID)
	}
	return nil
}

// indexOf must be called with the lock held.
func (s *Store) indexOf(id string) int {
	for i, p := range s.personas {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func clone(p Persona) Persona {
	p.Traits = append([]string{}, p.Traits...)
	return p
}
