package config

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyInfo is one row of "gastos config show". Secret values are never included,
// only whether they are set.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		info := KeyInfo{Key: s.key, EnvVar: s.env, Secret: s.secret}
		switch {
		case !s.secret:
			info.Value = fmt.Sprintf("%v", s.extract(cfg))
		case s.extract(cfg) != "":
			info.Value = "(set)"
		default:
			info.Value = "(not set)"
		}
		result = append(result, info)
	}
	return result
}

// SetKey validates value for key and writes it to the config file.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return fmt.Errorf("%q is a secret: store it with the secrets file or set %s", key, s.env)
	}

	v, err := parseValue(s, value)
	if err != nil {
		return err
	}
	if err := checkValue(s, v); err != nil {
		return err
	}

	switch s.typ {
	case kInt:
		return b.SetInt(key, v.(int))
	case kBool:
		return b.SetString(key, strconv.FormatBool(v.(bool)))
	default:
		return b.SetString(key, v.(string))
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func parseValue(s keySpec, value string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value for %s: %w", s.key, err)
		}
		return v, nil
	default:
		return value, nil
	}
}

// checkValue rejects values that would make the next Load fail, by validating the
// defaults with only this key changed.
func checkValue(s keySpec, v any) error {
	cfg := defaults()
	s.apply(&cfg, v)
	cfg.Gemini.APIKey = "set-separately"
	return cfg.validate()
}

// ValidKeys lists the keys "config set" accepts.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
