package config

import (
	"sync"

	"github.com/spf13/viper"
)

const (
	// DefaultMaxCaptureBytes is the ceiling for a single capture buffer.
	// Callers retrieving captures from remote hosts are expected to enforce
	// the same limit before transport.
	DefaultMaxCaptureBytes = 5 * 1024 * 1024

	// DefaultRTPPortRange is the conventional RTP media port interval.
	DefaultRTPPortRange = "50000-60000"

	// DefaultTLSPort is the conventional SIP-over-TLS port. TCP payload on
	// this port that fails the SIP candidacy check is counted as opaque TLS
	// and excluded from reassembly.
	DefaultTLSPort = 5061

	// DefaultSIPPortRange is the signaling port range callers typically
	// capture on. The engine itself does not filter by port.
	DefaultSIPPortRange = "5060-5090"
)

var configOnce sync.Once

// Config holds the engine parameters. All values have viper-backed defaults
// and can be overridden via config file keys or SIPSCOPE_* environment
// variables.
type Config struct {
	MaxCaptureBytes int    `mapstructure:"max_capture_bytes"`
	RTPPortRange    string `mapstructure:"rtp_port_range"`
	TLSPort         uint16 `mapstructure:"tls_port"`
	SIPPortRange    string `mapstructure:"sip_port_range"`
	ScriptFile      string `mapstructure:"script_file"`
	Dedup           bool   `mapstructure:"dedup"`
}

func initDefaults() {
	viper.SetDefault("max_capture_bytes", DefaultMaxCaptureBytes)
	viper.SetDefault("rtp_port_range", DefaultRTPPortRange)
	viper.SetDefault("tls_port", DefaultTLSPort)
	viper.SetDefault("sip_port_range", DefaultSIPPortRange)
	viper.SetDefault("script_file", "")
	viper.SetDefault("dedup", false)

	viper.SetEnvPrefix("sipscope")
	viper.AutomaticEnv()
}

// Get returns the current configuration with defaults applied.
func Get() *Config {
	configOnce.Do(initDefaults)

	return &Config{
		MaxCaptureBytes: viper.GetInt("max_capture_bytes"),
		RTPPortRange:    viper.GetString("rtp_port_range"),
		TLSPort:         uint16(viper.GetUint32("tls_port")),
		SIPPortRange:    viper.GetString("sip_port_range"),
		ScriptFile:      viper.GetString("script_file"),
		Dedup:           viper.GetBool("dedup"),
	}
}
