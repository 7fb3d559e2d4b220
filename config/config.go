// Package config loads the daemon configuration from its hjson file and the
// command-line flags, and watches the file for policy changes.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/cliflagv2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/op/go-logging"
	"github.com/urfave/cli/v2"
)

const (
	configFile = "btdevd.conf"
	mainConf   = "main.conf"
	devicesDir = "devices"
)

var log = logging.MustGetLogger("config")

// Config describes the configuration for the daemon.
type Config struct {
	path string

	flags koanf.Provider
	file  *file.File
	mu    sync.Mutex

	Values Values
}

// NewConfig returns a new configuration.
func NewConfig() *Config {
	return &Config{}
}

// Load loads the configuration from the configuration file and the command-line flags.
func (c *Config) Load(k *koanf.Koanf, cliCtx *cli.Context) error {
	if err := c.createConfigDir(); err != nil {
		return err
	}

	return c.load(k, cliflagv2.Provider(cliCtx, "."))
}

// load reads the configuration file, overlays flags when given, and
// unmarshals the result over the default values.
func (c *Config) load(k *koanf.Koanf, flags koanf.Provider) error {
	cfgfile, err := c.FilePath(configFile)
	if err != nil {
		return err
	}

	if err := k.Load(file.Provider(cfgfile), hjson.Parser()); err != nil {
		return err
	}

	if flags != nil {
		if err := k.Load(flags, nil); err != nil {
			return err
		}
	}

	c.flags = flags
	c.Values = DefaultValues()

	return k.UnmarshalWithConf("", &c.Values, koanf.UnmarshalConf{Tag: "koanf"})
}

// ValidateValues validates the configuration values.
func (c *Config) ValidateValues() error {
	return c.Values.validateValues()
}

// Watch calls fn with the newly validated values whenever the configuration
// file changes. Values that cannot change at runtime keep their current
// setting. Invalid configurations are logged and skipped.
func (c *Config) Watch(fn func(Values)) error {
	cfgfile, err := c.FilePath(configFile)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file != nil {
		return errors.New("the configuration is already being watched")
	}

	current := c.Values

	c.file = file.Provider(cfgfile)

	return c.file.Watch(func(_ any, err error) {
		if err != nil {
			log.Warningf("Stopped watching configuration: %v", err)
			return
		}

		reloaded := &Config{path: c.path}
		if err := reloaded.load(koanf.New("."), c.flags); err != nil {
			log.Warningf("Cannot reload configuration: %v", err)
			return
		}

		if err := reloaded.ValidateValues(); err != nil {
			log.Warningf("Ignoring invalid configuration: %v", err)
			return
		}

		values := reloaded.Values
		if values.AdapterIndex != current.AdapterIndex || values.StorageDir != current.StorageDir || values.Bus != current.Bus {
			log.Warning("Adapter, storage directory and bus changes apply after a restart")

			values.Adapter, values.AdapterIndex = current.Adapter, current.AdapterIndex
			values.StorageDir, values.Bus = current.StorageDir, current.Bus
		}

		log.Info("Configuration reloaded")
		fn(values)
	})
}

// Unwatch stops watching the configuration file.
func (c *Config) Unwatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil
	}

	err := c.file.Unwatch()
	c.file = nil

	return err
}

// createConfigDir checks for and/or creates a configuration directory.
func (c *Config) createConfigDir() error {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	type configDir struct {
		path, fullpath        string
		hidden, prefixHomeDir bool
	}

	configPaths := []*configDir{
		{path: os.Getenv("XDG_CONFIG_HOME")},
		{path: ".config", prefixHomeDir: true},
		{path: ".", hidden: true, prefixHomeDir: true},
	}

	for _, dir := range configPaths {
		name := "btdevd"

		if dir.path == "" {
			continue
		}

		if dir.hidden {
			name = "." + name
		}

		if dir.prefixHomeDir {
			dir.path = filepath.Join(homedir, dir.path)
		}

		dir.fullpath = filepath.Join(dir.path, name)
		if _, err := os.Stat(filepath.Clean(dir.fullpath)); err == nil {
			c.path = dir.fullpath
			return nil
		}
	}

	var pathErrors []string

	for _, dir := range configPaths {
		if dir.fullpath == "" {
			continue
		}

		if err := os.Mkdir(dir.fullpath, 0o700); err == nil {
			c.path = dir.fullpath
			return nil
		}

		pathErrors = append(pathErrors, dir.fullpath)
	}

	return fmt.Errorf("the configuration directories could not be created at %s%s", "\n", strings.Join(pathErrors, "\n"))
}

// Dir returns the configuration directory.
func (c *Config) Dir() string {
	return c.path
}

// StorageDir returns the directory that holds device records. If none
// is configured, a directory within the configuration directory is used.
func (c *Config) StorageDir() string {
	if c.Values.StorageDir != "" {
		return c.Values.StorageDir
	}

	return filepath.Join(c.path, devicesDir)
}

// FilePath returns the absolute path for the given configuration file,
// creating an empty file if it does not exist.
func (c *Config) FilePath(configFile string) (string, error) {
	confPath := filepath.Join(c.path, configFile)

	if _, err := os.Stat(confPath); err != nil {
		fd, err := os.Create(confPath)
		if err != nil {
			return "", fmt.Errorf("cannot create "+configFile+" file at %s", confPath)
		}

		fd.Close()
	}

	return confPath, nil
}

// GenerateAndSave generates and updates the configuration.
// Settings from a main.conf in the configuration directory are imported,
// and any existing values take precedence over them.
func (c *Config) GenerateAndSave(currentCfg *koanf.Koanf) (bool, error) {
	var importedMainConf bool

	cfg, err := c.parseMainConf(currentCfg)
	if err == nil {
		importedMainConf = true
	}

	data, err := hjson.Parser().Marshal(cfg.All())
	if err != nil {
		return importedMainConf, err
	}

	conf, err := c.FilePath(configFile)
	if err != nil {
		return importedMainConf, err
	}

	f, err := os.OpenFile(conf, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return importedMainConf, err
	}
	defer f.Close()

	if _, err = f.Write(data); err != nil {
		return importedMainConf, err
	}

	return importedMainConf, f.Sync()
}

// mainConfKeys maps the keys of a main.conf to configuration keys.
var mainConfKeys = map[string]string{
	"General.ControllerMode":          "mode",
	"General.JustWorksRepairing":      "just-works-repairing",
	"General.TemporaryTimeout":        "temporary-timeout",
	"General.ReverseServiceDiscovery": "reverse-discovery",
	"General.RefreshDiscovery":        "refresh-discovery",
	"GATT.Cache":                      "gatt-cache",
	"GATT.KeySize":                    "key-size",
	"GATT.ExchangeMTU":                "gatt-mtu",
	"GATT.Channels":                   "gatt-channels",
	"GATT.Client":                     "gatt-client",
}

// parseMainConf imports the known settings of an ini-style main.conf.
func (c *Config) parseMainConf(currentCfg *koanf.Koanf) (*koanf.Koanf, error) {
	fd, err := os.Open(filepath.Join(c.path, mainConf))
	if err != nil {
		return currentCfg, errors.New("no main.conf to import")
	}
	defer fd.Close()

	var section string

	k := koanf.New(".")
	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}

		if line[0] == '[' && line[len(line)-1] == ']' {
			section = line[1 : len(line)-1]
			continue
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key, ok := mainConfKeys[section+"."+strings.TrimSpace(name)]
		if !ok {
			continue
		}

		value = strings.ToLower(strings.TrimSpace(value))
		if key == "temporary-timeout" {
			value += "s"
		}

		k.Set(key, value)
	}

	if err = scanner.Err(); err != nil {
		return currentCfg, errors.New("main.conf could not be parsed")
	}

	if err := k.Merge(currentCfg); err != nil {
		return currentCfg, err
	}

	return k, nil
}
