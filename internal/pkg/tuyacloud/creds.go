package tuyacloud

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Credentials unlock the vendor cloud API.  Absence of a credentials
// file disables cloud-method devices entirely.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	APIRegion string `json:"api_region"`
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate the secret when stringified
func (c Credentials) String() string {
	return fmt.Sprintf("APIKey [%s], APISecret [%s], APIRegion [%s]", c.APIKey, hashOf(c.APISecret), c.APIRegion)
}

// Validate checks that all fields required to sign requests are present
func (c Credentials) Validate() error {
	if c.APIKey == "" || c.APISecret == "" {
		return errors.New("api_key and api_secret are required")
	}
	return nil
}

// Save writes the credentials file, replacing any previous contents
func (c Credentials) Save(fileName string) error {
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "opening cloud credentials %s for write", fileName)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(c); err != nil {
		return errors.Wrapf(err, "saving cloud credentials to %s", fileName)
	}

	return nil
}

// LoadCredentials reads a credentials file.  A missing file is not an
// error; it returns ok=false.
func LoadCredentials(fileName string) (Credentials, bool, error) {
	var c Credentials

	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return c, false, nil
		}
		return c, false, errors.Wrapf(err, "opening cloud credentials %s", fileName)
	}

	if err := json.Unmarshal(data, &c); err != nil {
		return c, false, errors.Wrapf(err, "loading cloud credentials from %s", fileName)
	}

	return c, true, nil
}
