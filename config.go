package espargos

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "50us"
// or "2s". Bare integers are taken as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q", s)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("config: invalid duration %q", value.Value)
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BoardConfig describes one board of the array.
type BoardConfig struct {
	// Name identifies the board in antennas and events. Defaults to Host.
	Name string `yaml:"name"`
	Host string `yaml:"host"`

	// CableLength is the phase-reference cable length to this board [m].
	CableLength float64 `yaml:"cable_length"`

	// CableVelocityFactor is the cable's velocity factor relative to the
	// speed of light. Typical coax sits around 0.66.
	CableVelocityFactor float64 `yaml:"cable_velocity_factor"`

	// Revision is the hardware revision tag; must match what the controller
	// reports. Defaults to densiflorus.
	Revision string `yaml:"revision"`

	// Transports overrides the connection preference order.
	Transports []string `yaml:"transports"`
}

// CableDelay returns the propagation delay of the board's reference cable.
func (b BoardConfig) CableDelay() float64 {
	return b.CableLength / (SpeedOfLight * b.CableVelocityFactor)
}

// ClustererSettings configures cluster formation.
type ClustererSettings struct {
	Window        Duration `yaml:"window"`
	GraceMultiple int      `yaml:"grace_multiple"`
	QueueSize     int      `yaml:"queue_size"`
}

// CalibrationSettings configures phase calibration.
type CalibrationSettings struct {
	MinClusters int      `yaml:"min_clusters"`
	Duration    Duration `yaml:"duration"`

	// Channel is the primary WiFi channel the array is tuned to; it sets the
	// center frequency used when removing physical trace and cable delays.
	Channel int `yaml:"channel"`
}

// CenterFrequency returns the tuned channel's center frequency [Hz].
func (c CalibrationSettings) CenterFrequency() float64 {
	return WifiChannel1Frequency + float64(c.Channel-1)*WifiChannelSpacing
}

// BacklogSettings are the defaults applied by cmd tooling when it creates a
// backlog; library users pass sizes and fields explicitly.
type BacklogSettings struct {
	Size   int      `yaml:"size"`
	Fields []string `yaml:"fields"`
}

// Config is the YAML array configuration.
type Config struct {
	Boards      []BoardConfig       `yaml:"boards"`
	Clusterer   ClustererSettings   `yaml:"clusterer"`
	Calibration CalibrationSettings `yaml:"calibration"`
	Backlog     BacklogSettings     `yaml:"backlog"`
}

// LoadConfig reads, defaults and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses, defaults and validates YAML configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Boards {
		b := &c.Boards[i]
		if b.Name == "" {
			b.Name = b.Host
		}
		if b.CableVelocityFactor == 0 {
			b.CableVelocityFactor = 0.66
		}
		if b.Revision == "" {
			b.Revision = RevisionDensiflorus.Tag
		}
	}
	if c.Clusterer.Window == 0 {
		c.Clusterer.Window = Duration(defaultWindow)
	}
	if c.Clusterer.GraceMultiple == 0 {
		c.Clusterer.GraceMultiple = defaultGraceMultiple
	}
	if c.Calibration.MinClusters == 0 {
		c.Calibration.MinClusters = defaultMinClusters
	}
	if c.Calibration.Duration == 0 {
		c.Calibration.Duration = Duration(4 * time.Second)
	}
	if c.Calibration.Channel == 0 {
		c.Calibration.Channel = 1
	}
	if c.Backlog.Size == 0 {
		c.Backlog.Size = 100
	}
	if len(c.Backlog.Fields) == 0 {
		c.Backlog.Fields = []string{string(FieldLLTF), string(FieldRSSI), string(FieldTimestamp), string(FieldMAC)}
	}
}

// Validate checks the configuration for mistakes a typo could cause.
func (c *Config) Validate() error {
	if len(c.Boards) == 0 {
		return fmt.Errorf("config: no boards configured")
	}
	names := make(map[string]bool, len(c.Boards))
	for _, b := range c.Boards {
		if b.Host == "" {
			return fmt.Errorf("config: board %q has no host", b.Name)
		}
		if names[b.Name] {
			return fmt.Errorf("config: duplicate board name %q", b.Name)
		}
		names[b.Name] = true
		if _, ok := LookupRevision(b.Revision); !ok {
			return fmt.Errorf("config: board %q: unknown revision %q", b.Name, b.Revision)
		}
		if b.CableLength < 0 {
			return fmt.Errorf("config: board %q: negative cable length", b.Name)
		}
		if b.CableVelocityFactor <= 0 || b.CableVelocityFactor > 1 {
			return fmt.Errorf("config: board %q: cable velocity factor %v out of (0, 1]", b.Name, b.CableVelocityFactor)
		}
		for _, tr := range b.Transports {
			if tr != "udp" && tr != "websocket" {
				return fmt.Errorf("config: board %q: unknown transport %q", b.Name, tr)
			}
		}
	}
	if c.Clusterer.Window < 0 || c.Clusterer.GraceMultiple < 0 {
		return fmt.Errorf("config: negative clusterer settings")
	}
	if c.Calibration.Channel < 1 || c.Calibration.Channel > 14 {
		return fmt.Errorf("config: calibration channel %d out of range", c.Calibration.Channel)
	}
	if c.Backlog.Size < 1 {
		return fmt.Errorf("config: backlog size %d, need at least 1", c.Backlog.Size)
	}
	for _, f := range c.Backlog.Fields {
		if !validBacklogFields[BacklogField(f)] {
			return fmt.Errorf("config: unknown backlog field %q", f)
		}
	}
	return nil
}

// BacklogFields converts the configured field names.
func (c *Config) BacklogFields() []BacklogField {
	fields := make([]BacklogField, len(c.Backlog.Fields))
	for i, f := range c.Backlog.Fields {
		fields[i] = BacklogField(f)
	}
	return fields
}
