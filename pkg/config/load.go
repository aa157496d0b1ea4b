package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Backend IDs are restricted so the "_" namespacing separator can never be
// ambiguous against an ID boundary.
var backendIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{2,63}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("backend_id", func(fl validator.FieldLevel) bool {
		return backendIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// Load reads, normalizes and validates a gateway configuration file.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(buf)
}

// Parse decodes and validates a configuration document.
func Parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for i := range cfg.Servers {
		if err := normalizeServer(&cfg.Servers[i]); err != nil {
			return nil, err
		}
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if seen[s.ID] {
			return nil, fmt.Errorf("invalid config: duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
	}

	return &cfg, nil
}

// normalizeServer fills in derived fields and checks transport requirements
// that the struct tags cannot express.
func normalizeServer(s *Server) error {
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("server %q: stdio transport requires a command", s.ID)
		}
		// A command given as one string is split shell-style when no explicit
		// args are configured.
		if len(s.Args) == 0 && strings.ContainsAny(s.Command, " \t") {
			argv, err := shlex.Split(s.Command)
			if err != nil {
				return fmt.Errorf("server %q: splitting command: %w", s.ID, err)
			}
			s.Command = argv[0]
			s.Args = argv[1:]
		}
	case TransportHTTP, TransportSSE:
		if s.URL == "" {
			return fmt.Errorf("server %q: %s transport requires a url", s.ID, s.Transport)
		}
	}
	return nil
}
