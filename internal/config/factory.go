package config

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FromCobraCmd creates a SRConfig instance from a cobra command object and applies its log level.
// It exits the process if the configuration cannot be loaded.
func FromCobraCmd(cmd *cobra.Command) *SRConfig {
	var flags *pflag.FlagSet
	if cmd.Name() == "srctl" {
		flags = cmd.PersistentFlags()
	} else {
		flags = cmd.InheritedFlags()
	}

	var paths []string
	if flag := flags.Lookup("config"); flag != nil && flag.Changed {
		fileLoc, err := flags.GetString("config")
		if err != nil {
			log.Fatal().Err(err).Msg("Could not get file location")
		}
		paths = append(paths, fileLoc)
	}

	conf, err := LoadConfig(paths...)
	if err != nil {
		log.Warn().Err(err).Msg("No config file found, using defaults and environment")
		if conf, err = Default(); err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
	}

	zerolog.SetGlobalLevel(conf.Level())
	return conf
}
