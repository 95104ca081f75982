package config

import (
	"encoding/json"
	"fmt"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

type Source struct {
	Provider func(k *koanf.Koanf) koanf.Provider
	Parser   koanf.Parser
	Options  []koanf.Option
}

func NewJsonFileSource(path string) *Source {
	return &Source{
		Provider: func(_ *koanf.Koanf) koanf.Provider {
			return file.Provider(path)
		},
		Parser: kjson.Parser(),
	}
}

func NewEnvVarSource() *Source {
	return &Source{
		Provider: func(_ *koanf.Koanf) koanf.Provider {
			return env.Provider("COMPUTE_", ".", func(s string) string {
				s = strings.TrimPrefix(s, "COMPUTE_")
				s = strings.ToLower(s)
				return strings.ReplaceAll(s, "__", ".")
			})
		},
	}
}

func NewPFlagSource(flagSet *pflag.FlagSet) *Source {
	return &Source{
		Provider: func(k *koanf.Koanf) koanf.Provider {
			return posflag.ProviderWithFlag(flagSet, ".", k, func(f *pflag.Flag) (string, interface{}) {
				key := strings.ReplaceAll(f.Name, "-", "_")
				return key, f.Value
			})
		},
	}
}

// LoadStruct loads the given config struct into the koanf instance. Not using
// the structs provider because it merges unset values over top of set values.
// Converting to JSON first lets us take advantage of the omitempty behavior.
func LoadStruct(k *koanf.Koanf, config Config) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to json: %w", err)
	}

	if err := k.Load(rawbytes.Provider(raw), kjson.Parser()); err != nil {
		return fmt.Errorf("failed to load config from json bytes: %w", err)
	}

	return nil
}

// LoadSources merges the given sources over the defaults, in order. The last
// source loaded overrides any previous values.
func LoadSources(sources ...*Source) (Config, error) {
	k := koanf.New(".")
	if err := LoadStruct(k, DefaultConfig()); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	for _, source := range sources {
		err := k.Load(source.Provider(k), source.Parser, source.Options...)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load user-specified config: %w", err)
		}
	}

	var combined Config
	if err := k.Unmarshal("", &combined); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal combined config: %w", err)
	}

	if err := combined.Validate(); err != nil {
		return Config{}, err
	}

	return combined, nil
}
