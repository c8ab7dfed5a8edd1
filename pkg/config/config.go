package config

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var BadConfigErr = errors.New("Merge config is invalid.")

// Redirection names a spot in the original binary and the object symbol
// whose code should run instead. The segment index counts program headers
// of the original binary, the offset counts bytes from the start of the
// original file.
type Redirection struct {
	Segment int    `yaml:"segment"`
	Offset  uint64 `yaml:"offset"`
	Target  string `yaml:"target"`
}

type MergeConfig struct {
	Seed         int64         `yaml:"seed"`
	Redirections []Redirection `yaml:"redirections"`
}

func Load(path string) (*MergeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading merge config")
	}

	return Parse(data)
}

func Parse(data []byte) (*MergeConfig, error) {
	config := &MergeConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parsing merge config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (config *MergeConfig) Validate() error {
	var result *multierror.Error

	for i, redirection := range config.Redirections {
		if redirection.Target == "" {
			result = multierror.Append(result, errors.Wrapf(BadConfigErr, "redirection %d names no target symbol", i))
		}
		if redirection.Segment < 0 {
			result = multierror.Append(result, errors.Wrapf(BadConfigErr, "redirection %d names segment %d", i, redirection.Segment))
		}
	}

	return result.ErrorOrNil()
}
