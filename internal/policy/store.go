package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/org/agentwarden/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrConfig is returned when the policy document is missing or invalid.
var ErrConfig = errors.New("policy config error")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Store holds the active SecurityPolicy snapshot. Readers call Current per
// operation; every successful load publishes a new snapshot.
type Store struct {
	current atomic.Pointer[models.SecurityPolicy]
	version atomic.Int64

	mu   sync.Mutex // serializes Load/Reload/Persist
	path string
}

// NewStore returns an empty Store. Current returns nil until a policy is loaded.
func NewStore() *Store {
	return &Store{}
}

// Load reads, validates and publishes the document at path.
func (s *Store) Load(path string) (*models.SecurityPolicy, error) {
	p, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	return s.publish(p), nil
}

// ReloadFromFile re-reads the most recently loaded path. On failure the
// previous snapshot stays active.
func (s *Store) ReloadFromFile() (*models.SecurityPolicy, error) {
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()
	if path == "" {
		return nil, fmt.Errorf("%w: no policy file loaded", ErrConfig)
	}
	return s.Load(path)
}

// Reload validates p and swaps it in as the active snapshot.
func (s *Store) Reload(p *models.SecurityPolicy) (*models.SecurityPolicy, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publish(p.Clone()), nil
}

// Persist validates p, writes it back to the loaded path, then publishes it.
// Without a loaded path it behaves like Reload.
func (s *Store) Persist(p *models.SecurityPolicy) (*models.SecurityPolicy, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		data, err := Encode(p, s.path)
		if err != nil {
			return nil, err
		}
		if err := atomicWrite(s.path, data); err != nil {
			return nil, fmt.Errorf("persisting policy: %w", err)
		}
	}
	return s.publish(p.Clone()), nil
}

// Current returns the active snapshot, or nil before the first load.
func (s *Store) Current() *models.SecurityPolicy {
	return s.current.Load()
}

// Path returns the file the active snapshot was loaded from.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// publish stamps p and swaps it in. Callers hold s.mu.
func (s *Store) publish(p *models.SecurityPolicy) *models.SecurityPolicy {
	p.Version = s.version.Add(1)
	p.LoadedAt = time.Now().UTC()
	s.current.Store(p)
	policyVersion.Set(float64(p.Version))
	log.Info().
		Int64("version", p.Version).
		Str("path", s.path).
		Msg("security policy loaded")
	return p
}

// ReadFile decodes and validates a policy document without publishing it.
func ReadFile(path string) (*models.SecurityPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}
	return Decode(data, path)
}

// Decode parses data as YAML or JSON according to name's extension.
func Decode(data []byte, name string) (*models.SecurityPolicy, error) {
	var p models.SecurityPolicy
	if isYAML(name) {
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %v", ErrConfig, name, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %v", ErrConfig, name, err)
		}
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode renders p in the format implied by name's extension.
func Encode(p *models.SecurityPolicy, name string) ([]byte, error) {
	if isYAML(name) {
		return yaml.Marshal(p)
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Validate checks the required sections and field ranges.
func Validate(p *models.SecurityPolicy) error {
	if p == nil {
		return fmt.Errorf("%w: empty policy", ErrConfig)
	}
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid fields: %s", ErrConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".policy-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
