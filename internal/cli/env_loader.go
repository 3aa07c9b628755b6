package cli

import (
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/pocketfileshare/pocketshare/internal/config"
)

// loadEnvFromDotEnv applies POCKETSHARE_* keys from path that are not
// already set in the environment. A missing file is ignored.
func loadEnvFromDotEnv(path string) {
	values, err := godotenv.Read(path)
	if err != nil {
		return
	}
	for key, value := range values {
		if !strings.HasPrefix(key, config.EnvPrefix) {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
