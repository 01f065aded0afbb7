package util

import (
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const envPrefix = "NB_"

// SetFlagsFromEnvVars reads and updates flag values from environment variables with prefix NB_.
// Flags already set on the command line keep their value.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	// Fetch the credentials directory if it exists
	credsDir, present := os.LookupEnv("CREDENTIALS_DIRECTORY")

	for _, flags := range []*pflag.FlagSet{cmd.PersistentFlags(), cmd.Flags()} {
		setFromEnv(flags, credsDir, present)
	}
}

func setFromEnv(flags *pflag.FlagSet, credsDir string, credsPresent bool) {
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := flagNameToUpper(f.Name)

		// Try to get the value from the credential directory
		if credsPresent {
			data, e := os.ReadFile(path.Join(credsDir, name))
			if e == nil {
				err := flags.Set(f.Name, strings.TrimSuffix(string(data), "\n"))
				if err == nil {
					return
				}
				log.Infof("unable to configure flag %s using credential %s, err: %v", f.Name, name, err)
			}
		}

		// E.g. UPDATE_INTERVAL -> NB_UPDATE_INTERVAL
		envName := envPrefix + name
		if value, varPresent := os.LookupEnv(envName); varPresent {
			if err := flags.Set(f.Name, value); err != nil {
				log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
			}
		}
	})
}

// flagNameToUpper converts a flag name to its corresponding base env name
// replacing dashes by underscores and making the result uppercase
// E.g. update-interval -> UPDATE_INTERVAL
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
