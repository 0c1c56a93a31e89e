package dotenv

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load reads a .env file from the working directory into the process
// environment. A missing file is fine; a malformed one is not.
func Load() error {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
