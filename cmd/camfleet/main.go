package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/camfleet/internal/cliconfig"
	"github.com/bft-labs/camfleet/pkg/log"
)

const longHelp = `Connect to, provision and drive a fleet of dual-radio cameras.

Each camera is reached over Bluetooth LE for control and, once it has joined
a WiFi network, over HTTPS pinned to the certificate it issued for itself.
Credentials are stored per camera so later runs skip provisioning.

Configuration comes from a file (default $HOME/.camfleet/config.toml, or
.yaml), CAMFLEET_* environment variables and flags, in increasing precedence.`

var exampleUsage = strings.TrimSpace(`
  camfleet run --devices 1234,5678 --ssid studio --password <secret>
  camfleet shutter on
  camfleet get /gopro/camera/state --devices 1234
  camfleet creds list
  camfleet status --simulate --devices a,b,c
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli carries configuration shared by every command.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	logger  *log.ZerologAdapter
}

func main() {
	c := &cli{cfg: cliconfig.DefaultConfig()}

	root := &cobra.Command{
		Use:           "camfleet",
		Short:         "Connect to, provision and drive a fleet of cameras",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.camfleet/config.toml)")
	f.StringSliceVar(&c.cfg.Devices, "devices", nil, "camera ids (default: every camera with a stored credential)")
	f.StringVar(&c.cfg.StoreDir, "store-dir", "", "credential directory (default: $HOME/.camfleet/credentials)")
	f.StringVar(&c.cfg.IdentityFile, "identity-file", "", "age identity; when set, credentials are encrypted at rest")
	f.BoolVar(&c.cfg.WatchStore, "watch-store", false, "reload credentials edited in the store directory")
	f.StringVar(&c.cfg.NetworkSSID, "ssid", "", "network to provision cameras onto")
	f.StringVar(&c.cfg.NetworkPassword, "password", "", "network password")
	f.IntVar(&c.cfg.MaxParallel, "max-parallel", c.cfg.MaxParallel, "maximum concurrent connect sequences")
	f.DurationVar(&c.cfg.ConnectTimeout, "connect-timeout", c.cfg.ConnectTimeout, "BLE discovery and connect timeout")
	f.DurationVar(&c.cfg.ResponseTimeout, "response-timeout", c.cfg.ResponseTimeout, "BLE response timeout")
	f.DurationVar(&c.cfg.ProvisionTimeout, "provision-timeout", c.cfg.ProvisionTimeout, "overall provisioning timeout")
	f.DurationVar(&c.cfg.RequestTimeout, "request-timeout", c.cfg.RequestTimeout, "HTTPS request timeout")
	f.DurationVar(&c.cfg.HealthInterval, "health-interval", c.cfg.HealthInterval, "health probe interval")
	f.IntVar(&c.cfg.FailureThreshold, "failure-threshold", c.cfg.FailureThreshold, "consecutive probe failures before recovery")
	f.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level (debug, info, warn, error)")
	f.BoolVar(&c.cfg.Simulate, "simulate", false, "use in-process simulated cameras instead of Bluetooth")
	if err := f.MarkHidden("simulate"); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	root.AddCommand(
		c.runCmd(),
		c.provisionCmd(),
		c.resetCmd(),
		c.statusCmd(),
		c.shutterCmd(),
		c.sleepCmd(),
		c.cohnCmd(),
		c.getCmd(),
		c.credsCmd(),
	)

	if err := root.Execute(); err != nil {
		c.fail(err)
		os.Exit(1)
	}
}

// fail reports err through the configured logger, or on stderr if
// configuration never loaded.
func (c *cli) fail(err error) {
	if c.logger == nil {
		fmt.Fprintln(os.Stderr, "camfleet:", err)
		return
	}
	c.logger.Error("camfleet", log.Err(err))
}

// load merges file, environment and flags, then validates.
func (c *cli) load(cmd *cobra.Command) error {
	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return err
		}
	}

	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return err
	}

	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.logger = log.NewZerologAdapter(os.Stderr, c.cfg.LogLevel)
	c.dumpConfig()
	return nil
}

func (c *cli) dumpConfig() {
	c.logger.Debug("configuration", log.Any("config", c.cfg.Masked()))
}
