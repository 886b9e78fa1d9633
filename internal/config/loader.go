package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix is the prefix every environment variable this SDK reads is
// namespaced under, e.g. AGENTSDK_SERVER_ADDR.
const envPrefix = "AGENTSDK"

// Load resolves a ClientConfig from (in increasing priority) built-in
// defaults, an optional YAML file, and AGENTSDK_* environment variables,
// mirroring the teacher's InitViper + LoadConfig split. configFile may be
// empty, in which case no file is read and only env vars apply.
func Load(configFile string) (*ClientConfig, error) {
	cfg, err := resolve(configFile)
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadPartial resolves the same env-var/file layers Load does, but skips
// SetDefaults and Validate: it's the base layer NewClient starts from
// before functional Options run, and ServerPath/ServerAddr's mutual
// exclusion can't be checked until an Option has had a chance to supply
// whichever one the environment didn't.
func LoadPartial(configFile string) (ClientConfig, error) {
	return resolve(configFile)
}

func resolve(configFile string) (ClientConfig, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return ClientConfig{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// bindEnvKeys binds every ClientConfig field for environment-variable
// override, mirroring the teacher's bindNestedEnvKeys.
func bindEnvKeys(v *viper.Viper) {
	_ = v.BindEnv("server_path")
	_ = v.BindEnv("server_args")
	_ = v.BindEnv("server_addr")
	_ = v.BindEnv("spawn_timeout")
	_ = v.BindEnv("request_timeout")
	_ = v.BindEnv("max_frame_size")
	_ = v.BindEnv("protocol_version")
	_ = v.BindEnv("auto_restart")
	_ = v.BindEnv("dedup_window")
	_ = v.BindEnv("log_level")
}

// findConfigFileInPaths searches standard locations for an agentsdk.yaml or
// .yml, mirroring the teacher's findConfigFileInPaths — used by hosts that
// want file discovery instead of passing an explicit path to Load.
func findConfigFileInPaths() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".agentsdk")}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "agentsdk"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// FindConfigFile returns the first agentsdk.yaml/.yml found in the current
// directory or in ~/.agentsdk, or "" if none exists.
func FindConfigFile() string {
	return findConfigFileInPaths()
}
