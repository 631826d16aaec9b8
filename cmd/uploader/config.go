package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/zaghamabbas786/worpress-uploader-plugin/envconf"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
)

// chunkAlignment is the granularity the resumable protocol accepts for non-final chunks.
const chunkAlignment = 256 * 1024

// Config is read from the environment.
type Config struct {
	APIURL         envconf.Secret   `env:"UPLOADER_API_URL,required"`
	Nonce          envconf.Secret   `env:"UPLOADER_NONCE"`
	Paths          []string         `env:"UPLOADER_PATHS,required"`
	DeviceClass    string           `env:"UPLOADER_DEVICE_CLASS,opt[desktop,mobile]"`
	ChunkSize      envconf.ByteSize `env:"UPLOADER_CHUNK_SIZE"`
	Metadata       []string         `env:"UPLOADER_METADATA"`
	StallThreshold time.Duration    `env:"UPLOADER_STALL_THRESHOLD"`
	Verbose        bool             `env:"UPLOADER_VERBOSE"`
	Analytics      bool             `env:"UPLOADER_ANALYTICS"`
	ReportPath     string           `env:"UPLOADER_REPORT_PATH"`
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		DeviceClass:    string(chunkuploader.Desktop),
		ChunkSize:      envconf.ByteSize(chunkuploader.DefaultChunkSize),
		StallThreshold: time.Minute,
	}
}

// ParseConfig reads the configuration on top of DefaultConfig and validates it.
func ParseConfig(envGetter envconf.EnvGetter) (Config, error) {
	cfg := DefaultConfig()
	if err := envconf.Parse(&cfg, envGetter); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values envconf cannot express as tags.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize%chunkAlignment != 0 {
		return fmt.Errorf("invalid chunk size %s: must be a positive multiple of %s",
			units.BytesSize(float64(c.ChunkSize)), units.BytesSize(chunkAlignment))
	}
	if c.StallThreshold < 0 {
		return fmt.Errorf("invalid stall threshold: %s", c.StallThreshold)
	}
	if _, err := c.MetadataFields(); err != nil {
		return err
	}
	return nil
}

// MetadataFields parses the key=value metadata entries.
func (c Config) MetadataFields() (map[string]string, error) {
	fields := map[string]string{}
	for _, entry := range c.Metadata {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata entry %q: expected key=value", entry)
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields, nil
}

// Profile selects the device profile of the configured class.
func (c Config) Profile() chunkuploader.DeviceProfile {
	class, err := chunkuploader.ParseDeviceClass(c.DeviceClass)
	if err != nil {
		class = chunkuploader.Desktop
	}
	return chunkuploader.ProfileFor(class, int64(c.ChunkSize))
}

func (c Config) print(logger log.Logger) {
	envconf.Print(c, logger)
	if c.DeviceClass == string(chunkuploader.Mobile) {
		logger.Printf("The mobile profile uses %s chunks, UPLOADER_CHUNK_SIZE is ignored", units.BytesSize(float64(chunkuploader.MobileChunkSize)))
	}
}
