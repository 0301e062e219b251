package profile

import (
	"os"

	"github.com/matheus3301/spark/internal/config"
)

const DefaultName = "main"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. $SPARK_PROFILE
// 3. ~/.spark/config.toml default_profile
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("SPARK_PROFILE"); env != "" {
		return env
	}
	cfg, err := config.LoadGlobal(GlobalConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}
