package config

import "flag"

const defaultConfigPath = "config.yaml"

// Flags command line options of the coinwatch binary.
type Flags struct {
	ConfigPath string
	Setup      bool
}

// ParseFlags parses args without the program name.
func ParseFlags(args []string) (Flags, error) {
	var f Flags

	fs := flag.NewFlagSet("coinwatch", flag.ContinueOnError)
	fs.StringVar(&f.ConfigPath, "config", defaultConfigPath, "path to yaml config")
	fs.BoolVar(&f.Setup, "setup", false, "run interactive setup wizard and generate a config")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	return f, nil
}
