package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/logging"
)

var _rootCmdOpts struct {
	cfgFile string
	debug   bool
}

var rootCmd = &cobra.Command{
	Use:   "tuyalocalwebserver",
	Short: "Local web control hub for Tuya devices",
	Long: `tuyalocalwebserver serves a REST API and browser UI for controlling
Tuya smart devices over the local network, through a Zigbee gateway, or
via the vendor cloud.`,

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _rootCmdOpts.debug {
			viper.Set("logging.level", "debug")
		}
		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the top level command processor
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Logger(nil).WithError(err).Error("running command")
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.cfgFile, "config", "", "config file (default is $HOME/.tuyalocalwebserver.yaml)")
	rootCmd.PersistentFlags().BoolVar(&_rootCmdOpts.debug, "debug", false, "enable debug logging")
}

func initConfig() {
	if _rootCmdOpts.cfgFile != "" {
		viper.SetConfigFile(_rootCmdOpts.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".tuyalocalwebserver")
	}

	viper.SetEnvPrefix("TUYAWEB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logrus.Debugf("using config file: %s", viper.ConfigFileUsed())
	}
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}
