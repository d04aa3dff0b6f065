/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/


package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/michaelquigley/pfxlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envVarPrefix = "XSERVE"

type options struct {
	configFile string
	logLevel   string
}

func main() {
	o := &options{}
	cmd := newRootCmd(o, filepath.Base(os.Args[0]))
	cmd.AddCommand(newRunCmd(o))

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(o *options, name string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: "Multi-worker HTTP server",
		Long:  "Serves HTTP applications from a fixed pool of supervised workers sharing one listening socket",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogging(o)
		},
		SilenceUsage: true,
	}
	cobra.OnInitialize(initViper(o))
	cmd.PersistentFlags().StringVarP(&o.configFile, "config", "c", "", "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	return cmd
}

func initLogging(o *options) error {
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	pfxlog.GlobalInit(level, pfxlog.DefaultOptions().SetTrimPrefix("github.com/openziti/"))
	return nil
}

func initViper(o *options) func() {
	return func() {
		//read configuration from ENV vars, XSERVE_SERVER_WORKER_COUNT overrides server.worker_count
		viper.SetEnvPrefix(envVarPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		setConfigDefaults()

		configFile := strings.TrimSpace(o.configFile)
		if configFile == "" {
			configFile = strings.TrimSpace(viper.GetString("config"))
		}
		if configFile == "" {
			return
		}

		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err == nil {
			pfxlog.Logger().Debugf("using configuration file '%s'", viper.ConfigFileUsed())
		} else {
			pfxlog.Logger().Errorf("failed to read configuration file '%s': %s", configFile, err)
		}
	}
}
