package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// RoofingRules is the rule document driving the roofing classifier. It is
// loaded once at startup and read-only afterwards.
type RoofingRules struct {
	PermitTypes           PermitTypeRules `yaml:"permit_types"`
	WorkDescriptionTokens TokenRules      `yaml:"work_description_tokens"`
	MinTokenMatches       int             `yaml:"min_token_matches"`
	CaseSensitive         bool            `yaml:"case_sensitive"`
}

type PermitTypeRules struct {
	ExactMatches   []string `yaml:"exact_matches"`
	PartialMatches []string `yaml:"partial_matches"`
}

type TokenRules struct {
	Primary   []string `yaml:"primary"`
	Materials []string `yaml:"materials"`
	Actions   []string `yaml:"actions"`
}

// LoadRoofingRules reads and validates the YAML rule document.
func LoadRoofingRules(path string) (*RoofingRules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rules RoofingRules
	if err := yaml.NewDecoder(f).Decode(&rules); err != nil {
		return nil, fmt.Errorf("parse roofing rules %s: %w", path, err)
	}
	if rules.MinTokenMatches <= 0 {
		rules.MinTokenMatches = 1
	}
	return &rules, nil
}

// Env holds the environment-driven knobs. Only the database connection
// string is required; the rest have defaults.
type Env struct {
	DatabaseURL string
	GeocoderURL string
	RedisAddr   string // optional middle cache tier; empty disables it
	RulesPath   string
	Port        string
}

// LoadEnv reads configuration from the process environment.
func LoadEnv() (*Env, error) {
	env := &Env{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		GeocoderURL: os.Getenv("GEOCODER_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RulesPath:   os.Getenv("RULES_PATH"),
		Port:        os.Getenv("PORT"),
	}
	if env.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	if env.GeocoderURL == "" {
		env.GeocoderURL = "https://nominatim.openstreetmap.org"
	}
	if env.RulesPath == "" {
		env.RulesPath = "roofing_rules.yaml"
	}
	if env.Port == "" {
		env.Port = "8080"
	}
	return env, nil
}
