package scopeacq

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.0",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log session lifecycle messages to a file
var UpdateLogger *log.Logger

// Verbose adds debug dumps to the problem log.
var Verbose bool

func init() {
	StartTime = time.Now()

	// The main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}

// ChannelSetting is the configuration-file form of one channel.
type ChannelSetting struct {
	ID         string
	Range      string
	Coupling   string
	Offset     float64
	ProbeScale float64
}

// AcquisitionConfig holds every acquisition setting read from the config file.
type AcquisitionConfig struct {
	Family         string
	Serial         string
	Resolution     int
	Mode           string // "block", "rapid" or "streaming"
	Samples        uint64
	Captures       uint64
	PretrigPercent float64
	Interval       float64
	IntervalUnit   string
	Ratio          uint64
	RatioMode      string
	DataType       string
	PollInterval   time.Duration
	ReadyTimeout   time.Duration
	QueueCapacity  int
	MaxRetained    int
	CounterMask    uint64
	Channels       []ChannelSetting
}

// DefaultCounterMask is the default width of the hardware trigger timestamp counter.
const DefaultCounterMask uint64 = 1<<56 - 1

// SetDefaults stores the default acquisition settings in viper.
func SetDefaults() {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("acquisition.family", "ps6000a")
	viper.SetDefault("acquisition.resolution", 8)
	viper.SetDefault("acquisition.mode", "block")
	viper.SetDefault("acquisition.samples", 1000)
	viper.SetDefault("acquisition.captures", 1)
	viper.SetDefault("acquisition.pretrigpercent", 50.0)
	viper.SetDefault("acquisition.interval", 1.0)
	viper.SetDefault("acquisition.intervalunit", "us")
	viper.SetDefault("acquisition.ratio", 1)
	viper.SetDefault("acquisition.ratiomode", "raw")
	viper.SetDefault("acquisition.datatype", "int16")
	viper.SetDefault("acquisition.pollinterval", time.Millisecond)
	viper.SetDefault("acquisition.readytimeout", 5*time.Second)
	viper.SetDefault("acquisition.queuecapacity", 100)
	viper.SetDefault("acquisition.maxretained", 0)
	viper.SetDefault("acquisition.countermask", DefaultCounterMask)
	viper.SetDefault("acquisition.channels", []map[string]any{
		{"id": "A", "range": "1V", "coupling": "DC", "offset": 0.0, "probescale": 1.0},
	})
	viper.SetDefault("publish.port", 5600)
	viper.SetDefault("db.enabled", false)
	viper.SetDefault("db.addr", "localhost:9000")
}

// ReadAcquisitionConfig unmarshals the "acquisition" key of the viper configuration.
func ReadAcquisitionConfig() (AcquisitionConfig, error) {
	var cfg AcquisitionConfig
	if err := viper.UnmarshalKey("acquisition", &cfg); err != nil {
		return cfg, fmt.Errorf("could not read acquisition configuration: %w", err)
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	if cfg.CounterMask == 0 {
		cfg.CounterMask = DefaultCounterMask
	}
	return cfg, nil
}

// ChannelConfigs converts the configured channel list to validated ChannelConfig values.
func (cfg *AcquisitionConfig) ChannelConfigs() ([]ChannelConfig, error) {
	var out []ChannelConfig
	for _, cs := range cfg.Channels {
		id, err := ParseChannel(cs.ID)
		if err != nil {
			return nil, err
		}
		rng, err := ParseRange(cs.Range)
		if err != nil {
			return nil, err
		}
		coupling := CouplingDC
		switch cs.Coupling {
		case "AC", "ac":
			coupling = CouplingAC
		case "DC50", "dc50":
			coupling = CouplingDC50Ohm
		}
		probe := cs.ProbeScale
		if probe == 0 {
			probe = 1
		}
		out = append(out, ChannelConfig{ID: id, Range: rng, Coupling: coupling,
			OffsetV: cs.Offset, ProbeScale: probe})
	}
	return out, nil
}
