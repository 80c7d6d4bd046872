package main

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/grmrgecko/tuntap/tun"
	"github.com/kkyr/fig"
	"github.com/shibukawa/configdir"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Main configuration structure.
type Config struct {
	Log     *LogConfig     `fig:"log" yaml:"log"`
	Devices []DeviceConfig `fig:"devices" yaml:"devices"`
}

type LogConfig struct {
	Level string `fig:"level" yaml:"level" enum:"debug,info,warn,error" default:"info"`
	Type  string `fig:"type" yaml:"type" enum:"json,console" default:"console"`
}

// Device configuration structure.
type DeviceConfig struct {
	Name              string      `fig:"name" yaml:"name,omitempty"`
	Layer             string      `fig:"layer" yaml:"layer,omitempty"`
	Disabled          bool        `fig:"disabled" yaml:"disabled,omitempty"`
	MTU               int         `fig:"mtu" yaml:"mtu,omitempty"`
	MTUv6             int         `fig:"mtu_v6" yaml:"mtu_v6,omitempty"`
	MACAddress        string      `fig:"mac_address" yaml:"mac_address,omitempty"`
	IPv4              *IPv4Config `fig:"ipv4" yaml:"ipv4,omitempty"`
	IPv6              []string    `fig:"ipv6" yaml:"ipv6,omitempty"`
	Metric            *int        `fig:"metric" yaml:"metric,omitempty"`
	TxQueueLen        *int        `fig:"tx_queue_len" yaml:"tx_queue_len,omitempty"`
	GUID              string      `fig:"guid" yaml:"guid,omitempty"`
	WintunFile        string      `fig:"wintun_file" yaml:"wintun_file,omitempty"`
	RingCapacity      uint32      `fig:"ring_capacity" yaml:"ring_capacity,omitempty"`
	PacketInformation bool        `fig:"packet_information" yaml:"packet_information,omitempty"`
	Offload           bool        `fig:"offload" yaml:"offload,omitempty"`
	MultiQueue        bool        `fig:"multi_queue" yaml:"multi_queue,omitempty"`
}

// IPv4 address of a device, with an optional point to point destination.
type IPv4Config struct {
	CIDR        string `fig:"cidr" yaml:"cidr"`
	Destination string `fig:"destination" yaml:"destination,omitempty"`
}

// Makes a device builder from this configuration.
func (d *DeviceConfig) Builder() (*tun.Builder, error) {
	b := tun.NewBuilder()
	if d.Name != "" {
		b.Name(d.Name)
	}

	layer, err := tun.ParseLayer(d.Layer)
	if err != nil {
		return nil, err
	}
	b.Layer(layer)
	b.Enable(!d.Disabled)

	if d.MTU != 0 {
		b.MTU(d.MTU)
	}
	if d.MTUv6 != 0 {
		b.MTUv6(d.MTUv6)
	}

	// A MAC of "random" is generated in the locally administered space.
	switch d.MACAddress {
	case "":
	case "random":
		b.MACAddress(generateRandomMAC())
	default:
		mac, err := net.ParseMAC(d.MACAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to parse MAC: %s %v", d.MACAddress, err)
		}
		b.MACAddress(mac)
	}

	if d.IPv4 != nil {
		prefix, err := netip.ParsePrefix(d.IPv4.CIDR)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CIDR: %s %v", d.IPv4.CIDR, err)
		}
		var dst any
		if d.IPv4.Destination != "" {
			dst = d.IPv4.Destination
		}
		b.IPv4(prefix.Addr(), prefix.Bits(), dst)
	}
	for _, cidr := range d.IPv6 {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CIDR: %s %v", cidr, err)
		}
		b.IPv6(prefix.Addr(), prefix.Bits())
	}

	if d.Metric != nil {
		b.Metric(*d.Metric)
	}
	if d.TxQueueLen != nil {
		b.TxQueueLen(*d.TxQueueLen)
	}
	if d.GUID != "" {
		guid, err := uuid.Parse(d.GUID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GUID: %s %v", d.GUID, err)
		}
		b.DeviceGUID(guid)
	}
	if d.WintunFile != "" {
		b.WintunFile(d.WintunFile)
	}
	if d.RingCapacity != 0 {
		b.RingCapacity(d.RingCapacity)
	}
	b.PacketInformation(d.PacketInformation)
	b.Offload(d.Offload)
	b.MultiQueue(d.MultiQueue)
	return b, nil
}

// Returns the devices with the requested names, or all devices if no
// names are requested.
func (c *Config) Select(names []string) ([]DeviceConfig, error) {
	if len(names) == 0 {
		return c.Devices, nil
	}
	var devices []DeviceConfig
	for _, name := range names {
		i := slices.IndexFunc(c.Devices, func(d DeviceConfig) bool {
			return d.Name == name
		})
		if i == -1 {
			return nil, fmt.Errorf("no device named %s in configuration", name)
		}
		devices = append(devices, c.Devices[i])
	}
	return devices, nil
}

// Get the config path.
func ConfigPath() (fileDir, fileName string) {
	// An explicit path wins over the config directory.
	fileName = defaultConfigFile
	if flags != nil && flags.ConfigPath != "" {
		fileDir, fileName = filepath.Split(flags.ConfigPath)
		return
	}

	// Find the configuration directory.
	configDirs := configdir.New(serviceVendor, serviceName)
	folders := configDirs.QueryFolders(configdir.System)
	if len(folders) == 0 {
		log.Fatalf("Unable to find config path.")
	}
	fileDir = folders[0].Path
	return
}

// Makes the default config for reading.
func DefaultConfig() *Config {
	config := new(Config)
	config.Log = &LogConfig{Level: "info", Type: "console"}
	if flags != nil && flags.Log != nil {
		config.Log = flags.Log
	}
	return config
}

// Makes an example configuration with one device of each layer.
func ExampleConfig() *Config {
	config := DefaultConfig()
	metric := 5
	config.Devices = []DeviceConfig{
		{
			Name:  "tun0",
			Layer: "l3",
			MTU:   1400,
			IPv4: &IPv4Config{
				CIDR:        "10.0.0.2/24",
				Destination: "10.0.0.1",
			},
			IPv6:   []string{"fd00::2/64"},
			Metric: &metric,
		},
		{
			Name:       "tap0",
			Layer:      "l2",
			MACAddress: generateRandomMAC().String(),
			IPv4: &IPv4Config{
				CIDR: "10.1.0.2/24",
			},
		},
	}
	return config
}

// Read configuration file and return the current config.
func ReadConfig() *Config {
	// Setup default config.
	config := DefaultConfig()

	// Find the file name.
	fileDir, fileName := ConfigPath()

	// Read the configuration file if it exists.
	err := fig.Load(config, fig.File(fileName), fig.Dirs(fileDir))
	// On error, just print as we want to return a default config.
	if err != nil {
		log.Debug("Unable to load config file:", err)
	}

	// Apply any log configurations loaded from file.
	config.Log.Apply()
	return config
}

// Write the configuration to the configuration file.
func WriteConfig(config *Config) error {
	// Encode YAML data.
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}

	// Find the file name.
	fileDir, fileName := ConfigPath()

	// Verify directory exists.
	if fileDir != "" {
		if _, ferr := os.Stat(fileDir); ferr != nil {
			err = os.MkdirAll(fileDir, 0755)
			if err != nil {
				log.Error("Failed to make directory:", err)
			}
		}
	}

	// Write the configuration file.
	return os.WriteFile(filepath.Join(fileDir, fileName), data, 0644)
}

func (l *LogConfig) Apply() {
	switch l.Level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
	switch l.Type {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}
}
