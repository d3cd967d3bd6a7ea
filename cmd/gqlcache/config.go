package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type ConfigFile struct {
	Listen     string `yaml:"listen"`
	SchemaFile string `yaml:"schemaFile"`
	Origin     string `yaml:"origin"`
	// Db is the cache database file; "memory" keeps everything in
	// process memory.
	Db           string            `yaml:"db"`
	ResourceKey  string            `yaml:"resourceKey"`
	Batch        bool              `yaml:"batch"`
	Defaults     ConfigDefaults    `yaml:"defaultCacheControls"`
	TypeControls map[string]string `yaml:"typeCacheControls"`
}

type ConfigDefaults struct {
	Query        string `yaml:"query"`
	Mutation     string `yaml:"mutation"`
	Subscription string `yaml:"subscription"`
}

func getConfig(filename string) (ConfigFile, error) {
	var config ConfigFile
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
